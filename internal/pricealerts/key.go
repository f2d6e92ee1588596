package pricealerts

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"market-alerts/internal/storage"
)

// RequestKey canonically identifies a market-data request. Alerts with equal
// keys share one fetch per cycle.
type RequestKey string

// KeyFor derives the key from the platform and ticker only; level, placement
// and auxiliary params do not participate.
func KeyFor(req storage.AlertRequest) (RequestKey, error) {
	// map keys are emitted sorted at every depth
	raw, err := json.Marshal(map[string]any{
		"platform": strings.ToLower(strings.TrimSpace(req.Platform)),
		"ticker":   req.Ticker,
	})
	if err != nil {
		return "", fmt.Errorf("encode request key: %w", err)
	}
	return RequestKey(raw), nil
}

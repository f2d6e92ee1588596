package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var (
	// ErrServiceMessage wraps a human-readable error returned by the market-data service.
	ErrServiceMessage = errors.New("market data error")
	// ErrEmptyFeed indicates the halt feed returned no document at all.
	ErrEmptyFeed = errors.New("halt feed returned no document")
)

// CandleFetcher retrieves candles for a single market-data request.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, req CandleRequest) (Series, error)
}

// HaltFeedFetcher polls the exchange halt feed.
type HaltFeedFetcher interface {
	FetchHalts(ctx context.Context) ([]HaltEntry, error)
}

// CandleRequest describes one market-data request.
type CandleRequest struct {
	Platform  string
	Ticker    map[string]any
	Params    map[string]any
	Timestamp time.Time
	AuthorID  int64
}

// Candle is one OHLC sample. Prices the service omits stay invalid.
type Candle struct {
	Time  time.Time
	Open  decimal.NullDecimal
	High  decimal.NullDecimal
	Low   decimal.NullDecimal
	Close decimal.NullDecimal
}

// Series is an ascending sequence of candles. Empty means no data this cycle.
type Series []Candle

// UnmarshalJSON decodes the [t, o, h, l, c] tuple form.
func (c *Candle) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode candle: %w", err)
	}
	if len(raw) < 5 {
		return fmt.Errorf("decode candle: expected 5 fields, got %d", len(raw))
	}

	var ts float64
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return fmt.Errorf("decode candle time: %w", err)
	}
	c.Time = unixTime(ts)

	prices := []*decimal.NullDecimal{&c.Open, &c.High, &c.Low, &c.Close}
	for i, dst := range prices {
		field := strings.TrimSpace(string(raw[i+1]))
		if field == "" || field == "null" {
			*dst = decimal.NullDecimal{}
			continue
		}
		if err := dst.UnmarshalJSON(raw[i+1]); err != nil {
			return fmt.Errorf("decode candle price %d: %w", i+1, err)
		}
	}
	return nil
}

// unixTime accepts seconds, tolerating millisecond stamps.
func unixTime(ts float64) time.Time {
	if ts > 1e11 {
		ts /= 1000
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// HaltEntry is one raw item from the halt feed, in exchange-local time.
type HaltEntry struct {
	Symbol         string
	Name           string
	Market         string
	ReasonCode     string
	HaltDate       string
	HaltTime       string
	ResumptionDate string
	ResumptionTime string
}

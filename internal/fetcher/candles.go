package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const candlePath = "/candle/"

// CandleOptions parameterise the candle service client.
type CandleOptions struct {
	BaseURL   string
	PoolSize  int
	Timeout   time.Duration
	UserAgent string
}

// Candles fetches OHLC series from the candle service.
type Candles struct {
	opts    CandleOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

var _ CandleFetcher = (*Candles)(nil)

// NewCandles constructs a candle client whose transport caps concurrent
// connections at PoolSize; extra requests queue in the transport.
func NewCandles(opts CandleOptions, logger zerolog.Logger) *Candles {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 5
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://candle-server:6900"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = opts.PoolSize
	transport.MaxIdleConnsPerHost = opts.PoolSize

	return &Candles{
		opts:    opts,
		logger:  logger.With().Str("component", "candle_fetcher").Logger(),
		client:  &http.Client{Transport: transport},
		baseURL: baseURL,
	}
}

// FetchCandles posts the request to the platform endpoint. A falsy response
// without a message is an empty series; with a message it is an error
// wrapping ErrServiceMessage.
func (c *Candles) FetchCandles(ctx context.Context, req CandleRequest) (Series, error) {
	platform := strings.ToLower(strings.TrimSpace(req.Platform))
	if platform == "" {
		return nil, fmt.Errorf("candle request missing platform")
	}

	body, err := json.Marshal(requestBody(req))
	if err != nil {
		return nil, fmt.Errorf("encode candle request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+candlePath+platform, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded candleResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("candle server error (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode candle response: %w", err)
	}

	if falsy(decoded.Response) {
		if decoded.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrServiceMessage, decoded.Message)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("candle server error (%d)", resp.StatusCode)
		}
		return Series{}, nil
	}

	var result candlePayload
	if err := json.Unmarshal(decoded.Response, &result); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	return result.Candles, nil
}

func requestBody(req CandleRequest) map[string]any {
	body := make(map[string]any, len(req.Params)+4)
	for k, v := range req.Params {
		body[k] = v
	}
	body["ticker"] = req.Ticker
	body["currentPlatform"] = req.Platform
	if !req.Timestamp.IsZero() {
		body["timestamp"] = req.Timestamp.Unix()
	}
	if req.AuthorID != 0 {
		body["authorId"] = req.AuthorID
	}
	return body
}

func falsy(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "{}", "[]", `""`, "0":
		return true
	}
	return false
}

type candleResponse struct {
	Response json.RawMessage `json:"response"`
	Message  string          `json:"message"`
}

type candlePayload struct {
	Candles Series `json:"candles"`
}

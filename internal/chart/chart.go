// Package chart renders halt charts from candle data.
package chart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gochart "github.com/wcharczuk/go-chart/v2"

	"market-alerts/internal/fetcher"
)

// Hint selects the chart timeframe.
type Hint string

const (
	HintNone  Hint = "none"
	HintShort Hint = "short"
	HintLong  Hint = "long"
)

// ErrNoData is returned when too few candles are available to draw a line.
var ErrNoData = errors.New("chart: not enough candles")

// Options configure chart requests and output size.
type Options struct {
	Platform          string
	IntradayTimeframe string
	DailyTimeframe    string
	Width             int
	Height            int
}

// Renderer draws close-price charts as PNG.
type Renderer struct {
	candles fetcher.CandleFetcher
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRenderer constructs a renderer backed by the candle service.
func NewRenderer(candles fetcher.CandleFetcher, opts Options, logger zerolog.Logger) *Renderer {
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 720
	}
	if opts.IntradayTimeframe == "" {
		opts.IntradayTimeframe = "1m"
	}
	if opts.DailyTimeframe == "" {
		opts.DailyTimeframe = "1D"
	}
	return &Renderer{
		candles: candles,
		opts:    opts,
		logger:  logger.With().Str("component", "chart").Logger(),
		now:     time.Now,
	}
}

// Timeframe maps a hint to the configured candle timeframe.
func (r *Renderer) Timeframe(hint Hint) string {
	if hint == HintLong {
		return r.opts.DailyTimeframe
	}
	return r.opts.IntradayTimeframe
}

// Render fetches candles for exchange:symbol and draws them.
func (r *Renderer) Render(ctx context.Context, exchange, symbol string, hint Hint) ([]byte, error) {
	if hint == HintNone || hint == "" {
		return nil, nil
	}
	timeframe := r.Timeframe(hint)
	series, err := r.candles.FetchCandles(ctx, fetcher.CandleRequest{
		Platform: r.opts.Platform,
		Ticker: map[string]any{
			"id":   symbol,
			"name": symbol,
			"exchange": map[string]any{
				"id":   strings.ToLower(exchange),
				"name": exchange,
			},
		},
		Params:    map[string]any{"timeframe": timeframe},
		Timestamp: r.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch chart candles for %s:%s: %w", exchange, symbol, err)
	}

	png, err := Draw(fmt.Sprintf("%s:%s %s", exchange, symbol, timeframe), series, r.opts.Width, r.opts.Height)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().Str("symbol", symbol).Str("timeframe", timeframe).Int("bytes", len(png)).Msg("chart rendered")
	return png, nil
}

// Draw renders close prices of series as a PNG line chart.
func Draw(title string, series fetcher.Series, width, height int) ([]byte, error) {
	x := make([]time.Time, 0, len(series))
	closes := make([]float64, 0, len(series))
	for _, c := range series {
		if !c.Close.Valid {
			continue
		}
		v, _ := c.Close.Decimal.Float64()
		x = append(x, c.Time)
		closes = append(closes, v)
	}
	if len(x) < 2 {
		return nil, ErrNoData
	}

	priceFormatter := func(v interface{}) string {
		return gochart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := gochart.Chart{
		Title:  title,
		Width:  width,
		Height: height,
		XAxis: gochart.XAxis{
			ValueFormatter: gochart.TimeValueFormatter,
		},
		YAxis: gochart.YAxis{
			Name:           "Close",
			ValueFormatter: priceFormatter,
		},
		Series: []gochart.Series{
			gochart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
		},
	}

	var buf bytes.Buffer
	if err := graph.Render(gochart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render chart: %w", err)
	}
	return buf.Bytes(), nil
}

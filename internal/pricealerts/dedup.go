package pricealerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"market-alerts/internal/fetcher"
	"market-alerts/internal/storage"
	"market-alerts/internal/telemetry"
)

// EvaluateFunc handles one alert once its group's series is resolved.
type EvaluateFunc func(ctx context.Context, alert storage.Alert, series fetcher.Series)

// group is one distinct request and the alert indices subscribed to it.
type group struct {
	key     RequestKey
	request fetcher.CandleRequest
	members []int
	series  fetcher.Series
	// unkeyed groups hold one alert whose request cannot be encoded; they
	// skip the fetch and evaluate against the empty series.
	unkeyed bool
}

// Deduplicator issues one fetch per distinct RequestKey and fans results out.
type Deduplicator struct {
	fetcher  fetcher.CandleFetcher
	logger   zerolog.Logger
	reporter *telemetry.Reporter
}

// NewDeduplicator constructs a deduplicator over f.
func NewDeduplicator(f fetcher.CandleFetcher, logger zerolog.Logger, reporter *telemetry.Reporter) *Deduplicator {
	return &Deduplicator{
		fetcher:  f,
		logger:   logger.With().Str("component", "dedup").Logger(),
		reporter: reporter,
	}
}

// Run groups alerts, fetches each group once, then calls evaluate for every
// alert and waits for all of them. It returns the number of distinct fetches.
func (d *Deduplicator) Run(ctx context.Context, alerts []storage.Alert, at time.Time, evaluate EvaluateFunc) int {
	groups := d.group(alerts, at)

	fetched := 0
	fetches := pool.New()
	for _, g := range groups {
		if g.unkeyed {
			g.series = fetcher.Series{}
			continue
		}
		fetched++
		fetches.Go(func() {
			g.series = d.fetch(ctx, g)
		})
	}
	fetches.Wait()

	evaluators := pool.New()
	for _, g := range groups {
		for _, idx := range g.members {
			alert := alerts[idx]
			series := g.series
			evaluators.Go(func() {
				defer d.reporter.Recover(ctx, "pricealerts.evaluate")
				evaluate(ctx, alert, series)
			})
		}
	}
	evaluators.Wait()

	return fetched
}

func (d *Deduplicator) group(alerts []storage.Alert, at time.Time) []*group {
	index := make(map[RequestKey]*group, len(alerts))
	groups := make([]*group, 0, len(alerts))
	for i, alert := range alerts {
		key, err := KeyFor(alert.Request)
		if err != nil {
			d.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("alert request cannot be encoded, evaluating without candles")
			groups = append(groups, &group{members: []int{i}, unkeyed: true})
			continue
		}
		if g, ok := index[key]; ok {
			g.members = append(g.members, i)
			continue
		}
		g := &group{
			key: key,
			request: fetcher.CandleRequest{
				Platform:  alert.Request.Platform,
				Ticker:    alert.Request.Ticker,
				Params:    alert.Request.Params,
				Timestamp: at,
				AuthorID:  alert.OwnerID,
			},
			members: []int{i},
		}
		index[key] = g
		groups = append(groups, g)
	}
	return groups
}

// fetch never fails; errors and panics degrade to the empty series.
func (d *Deduplicator) fetch(ctx context.Context, g *group) (series fetcher.Series) {
	series = fetcher.Series{}
	defer func() {
		if p := recover(); p != nil {
			d.reporter.Report(ctx, "pricealerts.fetch", fmt.Errorf("panic while fetching candles: %v", p))
			series = fetcher.Series{}
		}
	}()

	result, err := d.fetcher.FetchCandles(ctx, g.request)
	d.reporter.CountFetch(ctx, g.request.Platform, err == nil)
	if err != nil {
		d.logger.Warn().Err(err).
			Str("platform", g.request.Platform).
			Int("alerts", len(g.members)).
			Msg("candle fetch failed")
		if errors.Is(err, fetcher.ErrServiceMessage) {
			d.reporter.Report(ctx, "pricealerts.fetch", err)
		}
		return series
	}
	if result == nil {
		return series
	}
	return result
}

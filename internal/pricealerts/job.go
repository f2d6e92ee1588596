// Package pricealerts evaluates user price alerts against deduplicated candle fetches.
package pricealerts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"market-alerts/internal/fetcher"
	"market-alerts/internal/service"
	"market-alerts/internal/storage"
	"market-alerts/internal/telemetry"
)

// Store is the storage surface the job consumes.
type Store interface {
	AlertWriter
	StreamAlerts(ctx context.Context, fn func(storage.Alert) error) error
}

// Job is the price-alert job run once per cycle.
type Job struct {
	store     Store
	dedup     *Deduplicator
	evaluator *Evaluator
	allowlist map[string]struct{}
	logger    zerolog.Logger
	reporter  *telemetry.Reporter
}

var _ service.Job = (*Job)(nil)

// JobOptions configure the price-alert job.
type JobOptions struct {
	Evaluator        EvaluatorOptions
	AccountAllowlist []string
}

// NewJob wires the job.
func NewJob(store Store, candles fetcher.CandleFetcher, opts JobOptions, logger zerolog.Logger, reporter *telemetry.Reporter) *Job {
	logger = logger.With().Str("component", "price_alerts").Logger()
	var allowlist map[string]struct{}
	if len(opts.AccountAllowlist) > 0 {
		allowlist = make(map[string]struct{}, len(opts.AccountAllowlist))
		for _, id := range opts.AccountAllowlist {
			allowlist[id] = struct{}{}
		}
	}
	return &Job{
		store:     store,
		dedup:     NewDeduplicator(candles, logger, reporter),
		evaluator: NewEvaluator(store, opts.Evaluator, logger),
		allowlist: allowlist,
		logger:    logger,
		reporter:  reporter,
	}
}

// Name implements service.Job.
func (j *Job) Name() string { return "price_alerts" }

// Run enumerates alerts with a resolvable owner and evaluates them.
func (j *Job) Run(ctx context.Context, cycle service.Cycle) error {
	start := time.Now()
	alerts, skipped, err := j.collect(ctx, cycle.Accounts)
	if err != nil {
		return err
	}

	var triggered, expired, failed atomic.Int64
	keys := j.dedup.Run(ctx, alerts, cycle.At, func(ctx context.Context, alert storage.Alert, series fetcher.Series) {
		outcome, err := j.evaluator.Evaluate(ctx, alert, series, cycle.At)
		if err != nil {
			failed.Add(1)
			j.logger.Error().Err(err).
				Str("alert_id", alert.ID).
				Str("account_id", alert.AccountID).
				Int64("owner_id", alert.OwnerID).
				Msg("evaluate alert")
			j.reporter.Report(ctx, "pricealerts.evaluate", err)
			return
		}
		switch outcome {
		case OutcomeTriggered:
			triggered.Add(1)
			j.reporter.CountMessage(ctx, j.Name())
		case OutcomeExpired:
			expired.Add(1)
			j.reporter.CountMessage(ctx, j.Name())
		}
	})

	j.logger.Info().
		Int("alerts", len(alerts)).
		Int("skipped", skipped).
		Int("requests", keys).
		Int64("triggered", triggered.Load()).
		Int64("expired", expired.Load()).
		Int64("failed", failed.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("price alerts evaluated")
	return nil
}

func (j *Job) collect(ctx context.Context, accounts storage.Accounts) ([]storage.Alert, int, error) {
	var (
		alerts  []storage.Alert
		skipped int
	)
	err := j.store.StreamAlerts(ctx, func(alert storage.Alert) error {
		if j.allowlist != nil {
			if _, ok := j.allowlist[alert.AccountID]; !ok {
				skipped++
				return nil
			}
		}
		owner, ok := accounts.Owner(alert.AccountID)
		if !ok {
			skipped++
			return nil
		}
		alert.OwnerID = owner
		alerts = append(alerts, alert)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("stream alerts: %w", err)
	}
	return alerts, skipped, nil
}

package pricealerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-alerts/internal/fetcher"
	"market-alerts/internal/storage"
)

// DefaultExpiry is three 30.5 day months.
const DefaultExpiry = time.Duration(3*30.5*24) * time.Hour

// Outcome is the state an alert leaves evaluation in.
type Outcome int

const (
	OutcomeActive Outcome = iota
	OutcomeExpired
	OutcomeTriggered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExpired:
		return "expired"
	case OutcomeTriggered:
		return "triggered"
	default:
		return "active"
	}
}

// EvaluatorOptions tune notification copy and side effects.
type EvaluatorOptions struct {
	Expiry             time.Duration
	DefaultDestination int64
	Color              int
	DryRun             bool
}

// AlertWriter is what the evaluator needs from storage.
type AlertWriter interface {
	storage.MessageOutbox
	DeleteAlert(ctx context.Context, id string) error
}

// Evaluator resolves single alerts against a candle series.
type Evaluator struct {
	store  AlertWriter
	opts   EvaluatorOptions
	logger zerolog.Logger
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(store AlertWriter, opts EvaluatorOptions, logger zerolog.Logger) *Evaluator {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	return &Evaluator{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "evaluator").Logger(),
	}
}

// Crossing returns the most recent candle at or after registration that
// satisfies the alert's placement.
func Crossing(alert storage.Alert, series fetcher.Series) (fetcher.Candle, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		candle := series[i]
		if candle.Time.Before(alert.Timestamp) {
			break
		}
		switch alert.Placement {
		case storage.PlacementBelow:
			if candle.Low.Valid && candle.Low.Decimal.LessThanOrEqual(alert.Level) {
				return candle, true
			}
		case storage.PlacementAbove:
			if candle.High.Valid && alert.Level.LessThanOrEqual(candle.High.Decimal) {
				return candle, true
			}
		}
	}
	return fetcher.Candle{}, false
}

// Expired reports whether the alert outlived the expiry window at now.
func (e *Evaluator) Expired(alert storage.Alert, now time.Time) bool {
	return now.Sub(alert.Timestamp) > e.opts.Expiry
}

// Evaluate runs the expiry check, then the crossing scan. A resolved alert
// gets its notification written before it is deleted; a failed write leaves
// the alert for the next cycle.
func (e *Evaluator) Evaluate(ctx context.Context, alert storage.Alert, series fetcher.Series, now time.Time) (Outcome, error) {
	logger := e.logger.With().
		Str("alert_id", alert.ID).
		Str("account_id", alert.AccountID).
		Logger()

	if e.Expired(alert, now) {
		return OutcomeExpired, e.resolve(ctx, logger, alert, e.expiryMessage(alert, now))
	}

	candle, ok := Crossing(alert, series)
	if !ok {
		return OutcomeActive, nil
	}
	logger.Debug().
		Time("candle_time", candle.Time).
		Str("level", alert.Level.String()).
		Str("placement", string(alert.Placement)).
		Msg("price alert crossed")
	return OutcomeTriggered, e.resolve(ctx, logger, alert, e.triggerMessage(alert, now))
}

func (e *Evaluator) resolve(ctx context.Context, logger zerolog.Logger, alert storage.Alert, msg storage.OutboxMessage) error {
	if e.opts.DryRun {
		logger.Info().Str("title", msg.Title).Msg("dry run: notification not written")
		return nil
	}
	if err := e.store.EnqueueMessage(ctx, msg); err != nil {
		return fmt.Errorf("enqueue notification for alert %s: %w", alert.ID, err)
	}
	if err := e.store.DeleteAlert(ctx, alert.ID); err != nil {
		return fmt.Errorf("delete alert %s: %w", alert.ID, err)
	}
	logger.Info().Str("title", msg.Title).Msg("price alert resolved")
	return nil
}

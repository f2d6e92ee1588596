// Package halts tracks exchange trading halts and notifies subscribed targets.
package halts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-alerts/internal/alerting"
	"market-alerts/internal/fetcher"
	"market-alerts/internal/service"
	"market-alerts/internal/storage"
)

// SinkFactory builds the message sink for a subscription.
type SinkFactory func(sub storage.HaltSubscription) (alerting.MessageSink, error)

// Store is the storage surface the halt job consumes.
type Store interface {
	storage.SnapshotStore
	storage.SubscriptionStore
}

// Job is the halt job run once per cycle. It owns the previous snapshot.
type Job struct {
	feed     fetcher.HaltFeedFetcher
	parser   *Parser
	store    Store
	notifier *Notifier
	sinkFor  SinkFactory
	dryRun   bool
	logger   zerolog.Logger

	mu     sync.Mutex
	loaded bool
	prev   *storage.HaltSnapshot
	sinks  map[string]alerting.MessageSink
}

var _ service.Job = (*Job)(nil)

// NewJob wires the halt job.
func NewJob(feed fetcher.HaltFeedFetcher, parser *Parser, store Store, notifier *Notifier, sinkFor SinkFactory, dryRun bool, logger zerolog.Logger) *Job {
	return &Job{
		feed:     feed,
		parser:   parser,
		store:    store,
		notifier: notifier,
		sinkFor:  sinkFor,
		dryRun:   dryRun,
		logger:   logger.With().Str("component", "halts").Logger(),
		sinks:    make(map[string]alerting.MessageSink),
	}
}

// Name implements service.Job.
func (j *Job) Name() string { return "halts" }

// Previous returns the snapshot the next run diffs against.
func (j *Job) Previous() (storage.HaltSnapshot, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.prev == nil {
		return storage.HaltSnapshot{}, false
	}
	return *j.prev, true
}

// Run polls the feed, persists the new snapshot, then notifies targets.
func (j *Job) Run(ctx context.Context, cycle service.Cycle) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.loaded {
		snapshot, found, err := j.store.LoadHaltSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("load halt snapshot: %w", err)
		}
		if found {
			j.prev = &snapshot
		}
		j.loaded = true
	}

	entries, err := j.feed.FetchHalts(ctx)
	if err != nil {
		return err
	}
	records, dropped := j.parser.ParseEntries(entries, cycle.At)
	snapshot, duplicates := BuildSnapshot(records, cycle.At)
	for _, symbol := range duplicates {
		j.logger.Debug().Str("symbol", symbol).Msg("duplicate halt, keeping latest")
	}

	changes := Diff(j.prev, snapshot)
	logger := j.logger.With().
		Int("halts", len(snapshot.Halts)).
		Int("dropped", dropped).
		Int("new", len(changes.New)).
		Int("resumed", len(changes.Resumed)).
		Bool("baseline", j.prev == nil).
		Logger()

	if j.dryRun {
		for _, record := range changes.New {
			logger.Info().Str("symbol", record.Symbol).Str("code", record.Code).Msg("dry run: halt not notified")
		}
		j.prev = &snapshot
		return nil
	}

	if err := j.store.SaveHaltSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("save halt snapshot: %w", err)
	}
	j.prev = &snapshot

	if changes.Empty() {
		logger.Debug().Msg("halt snapshot unchanged")
		return nil
	}

	targets, err := j.targets(ctx)
	if err != nil {
		return err
	}
	j.notifier.Notify(ctx, targets, changes)
	logger.Info().Int("targets", len(targets)).Dur("elapsed", time.Since(cycle.At)).Msg("halt changes notified")
	return nil
}

func (j *Job) targets(ctx context.Context) ([]Target, error) {
	subs, err := j.store.ListHaltSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list halt subscriptions: %w", err)
	}
	targets := make([]Target, 0, len(subs))
	live := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		live[sub.ID] = struct{}{}
		sink, ok := j.sinks[sub.ID]
		if !ok {
			sink, err = j.sinkFor(sub)
			if err != nil {
				j.logger.Warn().Err(err).Str("target", sub.ID).Str("kind", sub.Kind).Msg("skip subscription without sink")
				continue
			}
			j.sinks[sub.ID] = sink
		}
		targets = append(targets, Target{ID: sub.ID, GuildID: sub.GuildID, Sink: sink})
	}
	for id := range j.sinks {
		if _, ok := live[id]; !ok {
			delete(j.sinks, id)
		}
	}
	return targets, nil
}

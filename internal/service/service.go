package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"market-alerts/internal/scheduler"
	"market-alerts/internal/storage"
	"market-alerts/internal/telemetry"
)

// Cycle is the read-only context handed to every job of one iteration.
type Cycle struct {
	At         time.Time
	Timeframes []string
	Accounts   storage.Accounts
}

// Job is one unit of work run concurrently with its siblings each cycle.
type Job interface {
	Name() string
	Run(ctx context.Context, cycle Cycle) error
}

// Options configure the cycle service.
type Options struct {
	AdvisoryLockKey int64
}

// Service refreshes shared state and runs the cycle's jobs.
type Service struct {
	scheduler *scheduler.Scheduler
	accounts  storage.AccountRegistry
	locker    storage.AdvisoryLocker
	lockKey   int64
	jobs      []Job
	logger    zerolog.Logger
	reporter  *telemetry.Reporter

	mu           sync.Mutex
	lastAccounts storage.Accounts
}

// New constructs the cycle service. Locking is enabled when accounts also
// implements storage.AdvisoryLocker and a key is configured.
func New(sched *scheduler.Scheduler, accounts storage.AccountRegistry, jobs []Job, opts Options, logger zerolog.Logger, reporter *telemetry.Reporter) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := accounts.(storage.AdvisoryLocker); ok {
		locker = l
	}
	return &Service{
		scheduler: sched,
		accounts:  accounts,
		locker:    locker,
		lockKey:   opts.AdvisoryLockKey,
		jobs:      jobs,
		logger:    logger.With().Str("component", "service").Logger(),
		reporter:  reporter,
	}
}

// Run begins the aligned cycle loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick runs a cycle when the minute timeframe is due at t. The cycle
// itself is detached from ctx so a shutdown lets in-flight work drain.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	timeframes := scheduler.Timeframes(at)
	if !slices.Contains(timeframes, "1m") {
		s.logger.Warn().Time("cycle", at).Msg("tick is not on a minute boundary, cycle skipped")
		return nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.reporter.Report(ctx, "service.lock", err)
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	s.RunCycle(context.WithoutCancel(ctx), at, timeframes)
	return nil
}

// RunCycle refreshes the account registry, then runs every job concurrently
// and returns once all of them finished.
func (s *Service) RunCycle(ctx context.Context, at time.Time, timeframes []string) {
	start := time.Now()
	cycle := Cycle{
		At:         at,
		Timeframes: timeframes,
		Accounts:   s.refreshAccounts(ctx),
	}

	var wg conc.WaitGroup
	for _, job := range s.jobs {
		wg.Go(func() {
			s.runJob(ctx, job, cycle)
		})
	}
	wg.Wait()

	s.logger.Info().
		Time("cycle", at).
		Dur("elapsed", time.Since(start)).
		Msg("task finished")
}

func (s *Service) runJob(ctx context.Context, job Job, cycle Cycle) {
	start := time.Now()
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panic: %v", job.Name(), p)
		}
		s.reporter.ObserveJob(ctx, job.Name(), time.Since(start), err)
		if err != nil {
			s.logger.Error().Err(err).Str("job", job.Name()).Time("cycle", cycle.At).Msg("job failed")
			s.reporter.Report(ctx, job.Name(), err)
		}
	}()
	err = job.Run(ctx, cycle)
}

// refreshAccounts keeps serving the last known registry when the refresh fails.
func (s *Service) refreshAccounts(ctx context.Context) storage.Accounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accounts == nil {
		return s.lastAccounts
	}
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("refresh account registry")
		s.reporter.Report(ctx, "service.accounts", err)
		return s.lastAccounts
	}
	s.lastAccounts = accounts
	return accounts
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

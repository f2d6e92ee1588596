package halts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"market-alerts/internal/alerting"
	"market-alerts/internal/chart"
	"market-alerts/internal/storage"
	"market-alerts/internal/telemetry"
)

// ChartRenderer draws a chart for exchange:symbol. A nil image is valid.
type ChartRenderer interface {
	Render(ctx context.Context, exchange, symbol string, hint chart.Hint) ([]byte, error)
}

// SubscriptionRemover deregisters a halt subscription.
type SubscriptionRemover interface {
	DeleteHaltSubscription(ctx context.Context, id string) error
}

// Target is one subscribed destination for halt notifications.
type Target struct {
	ID      string
	GuildID int64
	Sink    alerting.MessageSink
}

// NotifierOptions configure the halt notifier.
type NotifierOptions struct {
	Exchange string
	Color    int
	Workers  int
}

// Notifier drives the per-target message lifecycle of halts.
type Notifier struct {
	codes    ReasonCodes
	charts   ChartRenderer
	guilds   storage.GuildDirectory
	subs     SubscriptionRemover
	cache    *HandleCache
	opts     NotifierOptions
	logger   zerolog.Logger
	reporter *telemetry.Reporter
	now      func() time.Time
}

// NewNotifier constructs a notifier. charts may be nil.
func NewNotifier(codes ReasonCodes, charts ChartRenderer, guilds storage.GuildDirectory, subs SubscriptionRemover, cache *HandleCache, opts NotifierOptions, logger zerolog.Logger, reporter *telemetry.Reporter) *Notifier {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Exchange == "" {
		opts.Exchange = "NASDAQ"
	}
	if cache == nil {
		cache = NewHandleCache()
	}
	return &Notifier{
		codes:    codes,
		charts:   charts,
		guilds:   guilds,
		subs:     subs,
		cache:    cache,
		opts:     opts,
		logger:   logger.With().Str("component", "halt_notifier").Logger(),
		reporter: reporter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Notify applies changes to every target in parallel. Failures stay
// within their target.
func (n *Notifier) Notify(ctx context.Context, targets []Target, changes Changes) {
	if changes.Empty() {
		return
	}
	p := pool.New().WithMaxGoroutines(n.opts.Workers)
	for _, target := range targets {
		p.Go(func() {
			defer n.reporter.Recover(ctx, "halts.notify")
			n.notifyTarget(ctx, target, changes)
		})
	}
	p.Wait()
}

func (n *Notifier) notifyTarget(ctx context.Context, target Target, changes Changes) {
	logger := n.logger.With().Str("target", target.ID).Int64("guild_id", target.GuildID).Logger()
	state := n.cache.Target(target.ID)
	state.mu.Lock()
	defer state.mu.Unlock()

	for _, record := range changes.New {
		if err := n.halted(ctx, target, state, record); err != nil {
			if n.selfHeal(ctx, logger, target, err) {
				return
			}
			logger.Error().Err(err).Str("symbol", record.Symbol).Msg("halt notification failed")
			n.reporter.Report(ctx, "halts.notify", err)
		}
	}
	for _, record := range changes.Resumed {
		if err := n.resumed(ctx, target, state, record); err != nil {
			if n.selfHeal(ctx, logger, target, err) {
				return
			}
			logger.Error().Err(err).Str("symbol", record.Symbol).Msg("resumption notification failed")
			n.reporter.Report(ctx, "halts.notify", err)
		}
	}
}

// selfHeal deregisters a target whose message disappeared.
func (n *Notifier) selfHeal(ctx context.Context, logger zerolog.Logger, target Target, err error) bool {
	if !errors.Is(err, alerting.ErrMessageNotFound) {
		return false
	}
	logger.Warn().Msg("notification message missing, removing subscription")
	n.cache.Forget(target.ID)
	if n.subs != nil {
		if derr := n.subs.DeleteHaltSubscription(ctx, target.ID); derr != nil {
			logger.Error().Err(derr).Msg("deregister halt subscription")
			n.reporter.Report(ctx, "halts.deregister", derr)
		}
	}
	return true
}

func (n *Notifier) halted(ctx context.Context, target Target, state *TargetState, record storage.HaltRecord) error {
	reason, ok := n.codes.Lookup(record.Code)
	if !ok {
		n.logger.Debug().Str("symbol", record.Symbol).Str("code", record.Code).Msg("skip unknown reason code")
		return nil
	}
	open, exists := state.get(record.Symbol)
	if exists && open.Hash == record.Hash {
		return nil
	}

	var msg alerting.Message
	if reason.Halt {
		guild, found, err := n.guilds.GetGuild(ctx, target.GuildID)
		if err != nil {
			return fmt.Errorf("load guild %d: %w", target.GuildID, err)
		}
		if !found || guild.Stale() {
			return nil
		}
		msg = n.haltMessage(ctx, reason, record, !exists)
	} else {
		msg = n.advisoryMessage(reason, record)
	}

	entry := alerting.TimelineEntry{Text: fmt.Sprintf("%s (%s)", reason.Title, reason.Code), At: record.HaltedAt}
	if exists {
		msg.Timeline = append(append([]alerting.TimelineEntry(nil), open.Timeline...), entry)
		msg.ImageName = open.ImageName
		if _, err := target.Sink.Edit(ctx, open.Handle, msg); err != nil {
			return fmt.Errorf("edit halt message for %s: %w", record.Symbol, err)
		}
		open.Title = msg.Title
		open.Hash = record.Hash
		open.Timeline = msg.Timeline
		return nil
	}

	msg.Timeline = []alerting.TimelineEntry{entry}
	handle, err := target.Sink.Create(ctx, msg)
	if err != nil {
		return fmt.Errorf("create halt message for %s: %w", record.Symbol, err)
	}
	open = &OpenMessage{
		Handle:   handle,
		Title:    msg.Title,
		Hash:     record.Hash,
		Timeline: msg.Timeline,
	}
	if len(msg.Image) > 0 {
		open.ImageName = msg.ImageName
	}
	state.put(record.Symbol, open)
	n.reporter.CountMessage(ctx, "halts")
	return nil
}

// resumed closes the episode. The cache entry is cleared whatever happens.
func (n *Notifier) resumed(ctx context.Context, target Target, state *TargetState, record storage.HaltRecord) error {
	defer state.clear(record.Symbol)

	reason, ok := n.codes.Lookup(record.Code)
	if !ok || reason.Exempt {
		return nil
	}

	entry := alerting.TimelineEntry{Text: "Resumed", At: n.now()}
	if open, exists := state.get(record.Symbol); exists {
		msg := alerting.Message{
			Title:     open.Title,
			Color:     n.opts.Color,
			Timeline:  append(append([]alerting.TimelineEntry(nil), open.Timeline...), entry),
			ImageName: open.ImageName,
		}
		if _, err := target.Sink.Edit(ctx, open.Handle, msg); err != nil {
			return fmt.Errorf("edit resumption for %s: %w", record.Symbol, err)
		}
		return nil
	}

	msg := alerting.Message{
		Title: fmt.Sprintf("Trading for `%s` has resumed.", record.Symbol),
		Color: n.opts.Color,
	}
	if _, err := target.Sink.Create(ctx, msg); err != nil {
		return fmt.Errorf("create resumption for %s: %w", record.Symbol, err)
	}
	return nil
}

// haltMessage builds a halt notice. The chart is only rendered for new
// messages since edits cannot replace the attachment.
func (n *Notifier) haltMessage(ctx context.Context, reason ReasonCode, record storage.HaltRecord, withChart bool) alerting.Message {
	msg := alerting.Message{
		Title:       fmt.Sprintf("Trading for `%s` has been halted.", record.Symbol),
		Description: describeHalt(reason, record),
		Color:       n.opts.Color,
	}
	if !withChart || reason.Chart == chart.HintNone || n.charts == nil {
		return msg
	}
	exchange := record.Market
	if exchange == "" {
		exchange = n.opts.Exchange
	}
	image, err := n.charts.Render(ctx, exchange, record.Symbol, reason.Chart)
	if err != nil {
		n.logger.Warn().Err(err).Str("symbol", record.Symbol).Msg("chart unavailable, sending text only")
		return msg
	}
	if len(image) > 0 {
		msg.Image = image
		msg.ImageName = fmt.Sprintf("%d-%s.png", n.now().UnixMilli(), record.Symbol)
	}
	return msg
}

func (n *Notifier) advisoryMessage(reason ReasonCode, record storage.HaltRecord) alerting.Message {
	return alerting.Message{
		Title:       fmt.Sprintf("%s: %s", record.Symbol, reason.Title),
		Description: describeHalt(reason, record),
		Color:       n.opts.Color,
	}
}

func describeHalt(reason ReasonCode, record storage.HaltRecord) string {
	var b strings.Builder
	if reason.Description != "" {
		b.WriteString(reason.Description)
		b.WriteString("\n")
	}
	if record.ResumesAt == nil {
		b.WriteString("No resumption date")
	} else {
		b.WriteString("Resumption: ")
		b.WriteString(record.ResumesAt.UTC().Format("2006/01/02 15:04:05 UTC"))
	}
	return b.String()
}

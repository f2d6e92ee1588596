package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/rs/zerolog"
)

const ndaqNamespace = "ndaq"

// HaltFeedOptions parameterise the halt feed poller.
type HaltFeedOptions struct {
	URL        string
	Timeout    time.Duration
	UserAgent  string
	MaxRetries uint
}

// HaltFeed polls the Nasdaq trade halt RSS feed.
type HaltFeed struct {
	opts   HaltFeedOptions
	logger zerolog.Logger
	parser *gofeed.Parser
}

var _ HaltFeedFetcher = (*HaltFeed)(nil)

// NewHaltFeed constructs a feed poller.
func NewHaltFeed(opts HaltFeedOptions, logger zerolog.Logger) *HaltFeed {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.URL == "" {
		opts.URL = "http://www.nasdaqtrader.com/rss.aspx?feed=tradehalts"
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: opts.Timeout}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		parser.UserAgent = ua
	}

	return &HaltFeed{
		opts:   opts,
		logger: logger.With().Str("component", "halt_feed").Logger(),
		parser: parser,
	}
}

// FetchHalts downloads and flattens the feed. Client errors are not retried.
func (f *HaltFeed) FetchHalts(ctx context.Context) ([]HaltEntry, error) {
	feed, err := backoff.Retry(ctx, func() (*gofeed.Feed, error) {
		feed, err := f.parser.ParseURLWithContext(f.opts.URL, ctx)
		if err != nil {
			var httpErr gofeed.HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
				return nil, backoff.Permanent(err)
			}
			f.logger.Debug().Err(err).Msg("halt feed poll failed")
			return nil, err
		}
		return feed, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(f.opts.MaxRetries),
		backoff.WithMaxElapsedTime(f.opts.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("poll halt feed: %w", err)
	}
	if feed == nil {
		return nil, ErrEmptyFeed
	}

	entries := make([]HaltEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		entry := entryFromItem(item)
		if entry.Symbol == "" {
			entry.Symbol = strings.TrimSpace(item.Title)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryFromItem(item *gofeed.Item) HaltEntry {
	fields := item.Extensions[ndaqNamespace]
	return HaltEntry{
		Symbol:         extensionValue(fields, "IssueSymbol"),
		Name:           extensionValue(fields, "IssueName"),
		Market:         extensionValue(fields, "Market"),
		ReasonCode:     extensionValue(fields, "ReasonCode"),
		HaltDate:       extensionValue(fields, "HaltDate"),
		HaltTime:       extensionValue(fields, "HaltTime"),
		ResumptionDate: extensionValue(fields, "ResumptionDate"),
		ResumptionTime: extensionValue(fields, "ResumptionTradeTime"),
	}
}

// extensionValue looks name up case-insensitively; the feed has changed casing before.
func extensionValue(fields map[string][]ext.Extension, name string) string {
	if values, ok := fields[name]; ok && len(values) > 0 {
		return strings.TrimSpace(values[0].Value)
	}
	for key, values := range fields {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return strings.TrimSpace(values[0].Value)
		}
	}
	return ""
}

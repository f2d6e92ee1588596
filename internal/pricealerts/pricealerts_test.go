package pricealerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-alerts/internal/fetcher"
	"market-alerts/internal/service"
	"market-alerts/internal/storage"
	"market-alerts/internal/telemetry"
)

var t0 = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	series map[string]fetcher.Series
	fail   map[string]error
	panic  map[string]bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:  map[string]int{},
		series: map[string]fetcher.Series{},
		fail:   map[string]error{},
		panic:  map[string]bool{},
	}
}

func (f *fakeFetcher) FetchCandles(ctx context.Context, req fetcher.CandleRequest) (fetcher.Series, error) {
	name, _ := req.Ticker["name"].(string)
	f.mu.Lock()
	f.calls[name]++
	series, err, explode := f.series[name], f.fail[name], f.panic[name]
	f.mu.Unlock()
	if explode {
		panic("decoder bug")
	}
	return series, err
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeStore struct {
	mu       sync.Mutex
	alerts   []storage.Alert
	messages []storage.OutboxMessage
	deleted  []string
	enqErr   error
}

func (s *fakeStore) StreamAlerts(ctx context.Context, fn func(storage.Alert) error) error {
	for _, a := range s.alerts {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) EnqueueMessage(ctx context.Context, msg storage.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqErr != nil {
		return s.enqErr
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeStore) DeleteAlert(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func candle(offset time.Duration, high, low string) fetcher.Candle {
	c := fetcher.Candle{Time: t0.Add(offset)}
	if high != "" {
		c.High = decimal.NewNullDecimal(decimal.RequireFromString(high))
	}
	if low != "" {
		c.Low = decimal.NewNullDecimal(decimal.RequireFromString(low))
	}
	return c
}

func alertFor(id, name, level string, placement storage.Placement) storage.Alert {
	return storage.Alert{
		ID:        id,
		AccountID: "1234",
		OwnerID:   1234,
		Request: storage.AlertRequest{
			Platform: "X",
			Ticker:   map[string]any{"name": name, "quote": "USD"},
		},
		Timestamp: t0,
		Level:     decimal.RequireFromString(level),
		Placement: placement,
	}
}

func TestKeyForIgnoresKeyOrderAndPlatformCase(t *testing.T) {
	a, err := KeyFor(storage.AlertRequest{Platform: "CoinGecko", Ticker: map[string]any{"id": "BTC", "exchange": map[string]any{"name": "x", "id": "y"}}})
	require.NoError(t, err)
	b, err := KeyFor(storage.AlertRequest{Platform: "coingecko", Ticker: map[string]any{"exchange": map[string]any{"id": "y", "name": "x"}, "id": "BTC"}, Params: map[string]any{"level": 1}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := KeyFor(storage.AlertRequest{Platform: "Binance", Ticker: map[string]any{"id": "BTC"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCrossingBelowPicksMostRecentMatch(t *testing.T) {
	alert := alertFor("a", "AAPL", "150", storage.PlacementBelow)
	series := fetcher.Series{
		candle(60*time.Second, "152", "149"),
		candle(120*time.Second, "151", "150.5"),
	}
	got, ok := Crossing(alert, series)
	require.True(t, ok)
	assert.True(t, got.Time.Equal(t0.Add(60*time.Second)))

	series = append(series, candle(180*time.Second, "151", "150"))
	got, ok = Crossing(alert, series)
	require.True(t, ok)
	assert.True(t, got.Time.Equal(t0.Add(180*time.Second)), "equality counts and the newest match wins")
}

func TestCrossingAbove(t *testing.T) {
	alert := alertFor("a", "AAPL", "150", storage.PlacementAbove)
	_, ok := Crossing(alert, fetcher.Series{candle(time.Minute, "149.99", "140")})
	assert.False(t, ok)

	got, ok := Crossing(alert, fetcher.Series{candle(time.Minute, "150", "140"), candle(2*time.Minute, "149", "140")})
	require.True(t, ok)
	assert.True(t, got.Time.Equal(t0.Add(time.Minute)))
}

func TestCrossingIgnoresCandlesBeforeRegistration(t *testing.T) {
	alert := alertFor("a", "AAPL", "150", storage.PlacementBelow)
	series := fetcher.Series{
		candle(-2*time.Minute, "150", "100"),
		candle(-time.Minute, "150", "100"),
		candle(time.Minute, "155", "151"),
	}
	_, ok := Crossing(alert, series)
	assert.False(t, ok)

	_, ok = Crossing(alert, fetcher.Series{candle(0, "150", "149")})
	assert.True(t, ok, "a candle stamped at registration counts")
}

func TestCrossingSkipsUndefinedPrices(t *testing.T) {
	alert := alertFor("a", "AAPL", "150", storage.PlacementBelow)
	_, ok := Crossing(alert, fetcher.Series{candle(time.Minute, "", "")})
	assert.False(t, ok)
	_, ok = Crossing(alert, fetcher.Series{})
	assert.False(t, ok)
}

func TestEvaluateExpiresRegardlessOfCandles(t *testing.T) {
	store := &fakeStore{}
	ev := NewEvaluator(store, EvaluatorOptions{DefaultDestination: 401328409499664394, Color: 6765239}, zerolog.Nop())
	alert := alertFor("old", "AAPL", "150", storage.PlacementBelow)
	now := t0.Add(DefaultExpiry + time.Second)

	outcome, err := ev.Evaluate(context.Background(), alert, fetcher.Series{candle(time.Minute, "152", "149")}, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)
	require.Len(t, store.messages, 1)
	msg := store.messages[0]
	assert.Equal(t, "Price alert for AAPL at 150 USD expired.", msg.Title)
	assert.Equal(t, expiryDescription, msg.Description)
	require.NotNil(t, msg.User)
	require.NotNil(t, msg.BackupUser)
	assert.Equal(t, int64(401328409499664394), msg.Destination)
	assert.Equal(t, []string{"old"}, store.deleted)
}

func TestEvaluateAtExactExpiryIsNotExpired(t *testing.T) {
	store := &fakeStore{}
	ev := NewEvaluator(store, EvaluatorOptions{}, zerolog.Nop())
	alert := alertFor("edge", "AAPL", "150", storage.PlacementBelow)

	outcome, err := ev.Evaluate(context.Background(), alert, nil, t0.Add(DefaultExpiry))
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, outcome)
	assert.Empty(t, store.deleted)
}

func TestEvaluateTriggerMessage(t *testing.T) {
	store := &fakeStore{}
	ev := NewEvaluator(store, EvaluatorOptions{DefaultDestination: 1, Color: 6765239}, zerolog.Nop())
	channel := int64(55)
	alert := alertFor("a", "BTC", "150", storage.PlacementBelow)
	alert.Request.Ticker["exchange"] = map[string]any{"name": "Binance"}
	alert.LevelText = "150.00"
	alert.Channel = &channel
	alert.TriggerMessage = "buy the dip"

	outcome, err := ev.Evaluate(context.Background(), alert, fetcher.Series{candle(time.Minute, "152", "149")}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, outcome)
	require.Len(t, store.messages, 1)
	msg := store.messages[0]
	assert.Equal(t, "Price of BTC (Binance) hit 150.00 USD.", msg.Title)
	assert.Equal(t, "Price Alerts", msg.Subtitle)
	assert.Equal(t, "buy the dip", msg.Description)
	assert.Nil(t, msg.User, "channel alerts do not DM the owner")
	require.NotNil(t, msg.BackupUser)
	assert.Equal(t, int64(1234), *msg.BackupUser)
	assert.Equal(t, []string{"a"}, store.deleted)
}

func TestEvaluateKeepsAlertWhenWriteFails(t *testing.T) {
	store := &fakeStore{enqErr: errors.New("outbox down")}
	ev := NewEvaluator(store, EvaluatorOptions{}, zerolog.Nop())
	alert := alertFor("a", "AAPL", "150", storage.PlacementBelow)

	_, err := ev.Evaluate(context.Background(), alert, fetcher.Series{candle(time.Minute, "152", "149")}, t0.Add(time.Hour))
	require.Error(t, err)
	assert.Empty(t, store.deleted)
}

func TestEvaluateDryRunHasNoSideEffects(t *testing.T) {
	store := &fakeStore{}
	ev := NewEvaluator(store, EvaluatorOptions{DryRun: true}, zerolog.Nop())
	alert := alertFor("a", "AAPL", "150", storage.PlacementBelow)

	outcome, err := ev.Evaluate(context.Background(), alert, fetcher.Series{candle(time.Minute, "152", "149")}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, outcome)
	assert.Empty(t, store.messages)
	assert.Empty(t, store.deleted)
}

func TestDeduplicatorFetchesOncePerKey(t *testing.T) {
	f := newFakeFetcher()
	f.series["AAPL"] = fetcher.Series{candle(time.Minute, "152", "149")}
	f.fail["MSFT"] = errors.New("connection reset")

	alerts := []storage.Alert{
		alertFor("1", "AAPL", "150", storage.PlacementBelow),
		alertFor("2", "AAPL", "100", storage.PlacementBelow),
		alertFor("3", "AAPL", "151", storage.PlacementAbove),
		alertFor("4", "MSFT", "300", storage.PlacementBelow),
		alertFor("5", "MSFT", "310", storage.PlacementBelow),
	}

	d := NewDeduplicator(f, zerolog.Nop(), telemetry.Nop())
	var mu sync.Mutex
	seen := map[string]int{}
	keys := d.Run(context.Background(), alerts, t0, func(ctx context.Context, alert storage.Alert, series fetcher.Series) {
		mu.Lock()
		defer mu.Unlock()
		seen[alert.ID] = len(series)
	})

	assert.Equal(t, 2, keys)
	assert.Equal(t, 2, f.total())
	assert.Equal(t, map[string]int{"1": 1, "2": 1, "3": 1, "4": 0, "5": 0}, seen)
}

func TestDeduplicatorEvaluatesUnencodableRequests(t *testing.T) {
	f := newFakeFetcher()
	f.series["AAPL"] = fetcher.Series{candle(time.Minute, "152", "149")}

	broken := alertFor("2", "AAPL", "150", storage.PlacementBelow)
	broken.Request.Ticker = map[string]any{"name": "AAPL", "feed": make(chan int)}
	alerts := []storage.Alert{alertFor("1", "AAPL", "150", storage.PlacementBelow), broken}

	d := NewDeduplicator(f, zerolog.Nop(), telemetry.Nop())
	var mu sync.Mutex
	seen := map[string]int{}
	fetches := d.Run(context.Background(), alerts, t0, func(ctx context.Context, alert storage.Alert, series fetcher.Series) {
		mu.Lock()
		defer mu.Unlock()
		seen[alert.ID] = len(series)
	})

	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, f.total())
	assert.Equal(t, map[string]int{"1": 1, "2": 0}, seen, "the unencodable alert still reaches the evaluator")
}

func TestDeduplicatorIsolatesPanics(t *testing.T) {
	f := newFakeFetcher()
	f.panic["BAD"] = true
	f.series["GOOD"] = fetcher.Series{candle(time.Minute, "1", "1")}

	alerts := []storage.Alert{
		alertFor("1", "BAD", "1", storage.PlacementBelow),
		alertFor("2", "GOOD", "1", storage.PlacementBelow),
		alertFor("3", "GOOD", "1", storage.PlacementBelow),
	}

	d := NewDeduplicator(f, zerolog.Nop(), telemetry.Nop())
	var mu sync.Mutex
	var evaluated []string
	require.NotPanics(t, func() {
		d.Run(context.Background(), alerts, t0, func(ctx context.Context, alert storage.Alert, series fetcher.Series) {
			if alert.ID == "3" {
				panic("evaluator bug")
			}
			mu.Lock()
			evaluated = append(evaluated, alert.ID)
			mu.Unlock()
		})
	})
	assert.ElementsMatch(t, []string{"1", "2"}, evaluated)
}

func TestJobRunResolvesOwnersAndAllowlist(t *testing.T) {
	f := newFakeFetcher()
	f.series["AAPL"] = fetcher.Series{candle(60*time.Second, "152", "149"), candle(120*time.Second, "151", "150.5")}

	registered := alertFor("reg", "AAPL", "150", storage.PlacementBelow)
	registered.AccountID = "firebase-uid"
	unknown := alertFor("unk", "AAPL", "150", storage.PlacementBelow)
	unknown.AccountID = "nobody"
	numeric := alertFor("num", "AAPL", "150", storage.PlacementBelow)
	numeric.AccountID = "987"

	store := &fakeStore{alerts: []storage.Alert{registered, unknown, numeric}}
	job := NewJob(store, f, JobOptions{Evaluator: EvaluatorOptions{Color: 6765239}}, zerolog.Nop(), telemetry.Nop())

	err := job.Run(context.Background(), service.Cycle{
		At:       t0.Add(5 * time.Minute),
		Accounts: storage.Accounts{"firebase-uid": 42},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.total())
	assert.ElementsMatch(t, []string{"reg", "num"}, store.deleted)

	owners := map[int64]bool{}
	for _, msg := range store.messages {
		owners[*msg.BackupUser] = true
		assert.True(t, strings.HasPrefix(msg.Title, "Price of AAPL hit 150"))
	}
	assert.Equal(t, map[int64]bool{42: true, 987: true}, owners)

	store = &fakeStore{alerts: []storage.Alert{registered, numeric}}
	job = NewJob(store, newFakeFetcher(), JobOptions{AccountAllowlist: []string{"987"}}, zerolog.Nop(), telemetry.Nop())
	require.NoError(t, job.Run(context.Background(), service.Cycle{At: t0.Add(5 * time.Minute), Accounts: storage.Accounts{"firebase-uid": 42}}))
	assert.Empty(t, store.deleted, "empty series triggers nothing")
}

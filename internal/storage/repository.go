package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
)

const (
	listAlertsSQL = `SELECT
        id::text,
        account_id,
        request,
        registered_at,
        level::text,
        level_text,
        placement,
        channel,
        backup_channel,
        destination,
        trigger_message,
        trigger_tag
    FROM market_alerts
    ORDER BY account_id, registered_at;`

	deleteAlertSQL = `DELETE FROM market_alerts WHERE id = $1::uuid;`

	listAccountsSQL = `SELECT account_id, owner_id FROM accounts;`

	insertMessageSQL = `INSERT INTO outbox_messages (id, payload, created_at) VALUES ($1, $2, $3);`

	upsertSnapshotSQL = `INSERT INTO halt_snapshots (id, taken_at, halts)
    VALUES (1, $1, $2)
    ON CONFLICT (id) DO UPDATE
    SET taken_at = EXCLUDED.taken_at,
        halts    = EXCLUDED.halts;`

	loadSnapshotSQL = `SELECT taken_at, halts FROM halt_snapshots WHERE id = 1;`

	listSubscriptionsSQL = `SELECT id, guild_id, kind, endpoint, created_at
    FROM halt_subscriptions
    ORDER BY created_at;`

	deleteSubscriptionSQL = `DELETE FROM halt_subscriptions WHERE id = $1;`

	getGuildSQL = `SELECT guild_id, account_id, stale_count FROM guilds WHERE guild_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore enumerates and resolves price alerts.
type AlertStore interface {
	StreamAlerts(ctx context.Context, fn func(Alert) error) error
	DeleteAlert(ctx context.Context, id string) error
}

// AccountRegistry exposes the external account id to owner id mapping.
type AccountRegistry interface {
	ListAccounts(ctx context.Context) (Accounts, error)
}

// MessageOutbox accepts notification documents for delivery.
type MessageOutbox interface {
	EnqueueMessage(ctx context.Context, msg OutboxMessage) error
}

// SnapshotStore persists the latest halt snapshot.
type SnapshotStore interface {
	SaveHaltSnapshot(ctx context.Context, snapshot HaltSnapshot) error
	LoadHaltSnapshot(ctx context.Context) (HaltSnapshot, bool, error)
}

// SubscriptionStore lists and removes halt notification targets.
type SubscriptionStore interface {
	ListHaltSubscriptions(ctx context.Context) ([]HaltSubscription, error)
	DeleteHaltSubscription(ctx context.Context, id string) error
}

// GuildDirectory resolves guild context for a subscription.
type GuildDirectory interface {
	GetGuild(ctx context.Context, id int64) (Guild, bool, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is the full set of persistence operations the worker consumes.
type Backend interface {
	AlertStore
	AccountRegistry
	MessageOutbox
	SnapshotStore
	SubscriptionStore
	GuildDirectory
	Close()
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// StreamAlerts calls fn for every stored alert; a non-nil error from fn stops the stream.
func (s *Store) StreamAlerts(ctx context.Context, fn func(Alert) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rows, queryErr := pool.Query(ctx, listAlertsSQL)
	if queryErr != nil {
		return fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return scanErr
		}
		if err := fn(alert); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteAlert removes a resolved alert.
func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertSQL, id); execErr != nil {
		return fmt.Errorf("delete alert %s: %w", id, execErr)
	}
	return nil
}

// ListAccounts loads the account registry.
func (s *Store) ListAccounts(ctx context.Context) (Accounts, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAccountsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list accounts: %w", queryErr)
	}
	defer rows.Close()

	accounts := make(Accounts)
	for rows.Next() {
		var accountID string
		var ownerID int64
		if err := rows.Scan(&accountID, &ownerID); err != nil {
			return nil, err
		}
		accounts[accountID] = ownerID
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return accounts, nil
}

// EnqueueMessage writes a notification document to the outbox.
func (s *Store) EnqueueMessage(ctx context.Context, msg OutboxMessage) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbox message: %w", err)
	}
	if _, execErr := pool.Exec(ctx, insertMessageSQL, msg.ID, payload, msg.CreatedAt); execErr != nil {
		return fmt.Errorf("insert outbox message: %w", execErr)
	}
	return nil
}

// SaveHaltSnapshot replaces the persisted halt snapshot.
func (s *Store) SaveHaltSnapshot(ctx context.Context, snapshot HaltSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	halts, err := json.Marshal(snapshot.Halts)
	if err != nil {
		return fmt.Errorf("marshal halt snapshot: %w", err)
	}
	if _, execErr := pool.Exec(ctx, upsertSnapshotSQL, snapshot.TakenAt, halts); execErr != nil {
		return fmt.Errorf("upsert halt snapshot: %w", execErr)
	}
	return nil
}

// LoadHaltSnapshot returns the persisted snapshot, if any.
func (s *Store) LoadHaltSnapshot(ctx context.Context) (HaltSnapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return HaltSnapshot{}, false, err
	}

	var (
		takenAt time.Time
		raw     []byte
	)
	if scanErr := pool.QueryRow(ctx, loadSnapshotSQL).Scan(&takenAt, &raw); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return HaltSnapshot{}, false, nil
		}
		return HaltSnapshot{}, false, fmt.Errorf("load halt snapshot: %w", scanErr)
	}

	snapshot := HaltSnapshot{TakenAt: takenAt, Halts: make(map[string]HaltRecord)}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &snapshot.Halts); err != nil {
			return HaltSnapshot{}, false, fmt.Errorf("decode halt snapshot: %w", err)
		}
	}
	return snapshot, true, nil
}

// ListHaltSubscriptions lists every halt notification target.
func (s *Store) ListHaltSubscriptions(ctx context.Context) ([]HaltSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSubscriptionsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list halt subscriptions: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]HaltSubscription, 0)
	for rows.Next() {
		var sub HaltSubscription
		if err := rows.Scan(&sub.ID, &sub.GuildID, &sub.Kind, &sub.Endpoint, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// DeleteHaltSubscription deregisters a halt notification target.
func (s *Store) DeleteHaltSubscription(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteSubscriptionSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete halt subscription: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetGuild resolves a guild by id.
func (s *Store) GetGuild(ctx context.Context, id int64) (Guild, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Guild{}, false, err
	}

	var guild Guild
	if scanErr := pool.QueryRow(ctx, getGuildSQL, id).Scan(&guild.ID, &guild.AccountID, &guild.StaleCount); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Guild{}, false, nil
		}
		return Guild{}, false, fmt.Errorf("get guild: %w", scanErr)
	}
	return guild, true, nil
}

func scanAlert(rows pgx.Rows) (Alert, error) {
	var (
		alert    Alert
		request  []byte
		levelStr string
		place    string
	)

	if err := rows.Scan(
		&alert.ID,
		&alert.AccountID,
		&request,
		&alert.Timestamp,
		&levelStr,
		&alert.LevelText,
		&place,
		&alert.Channel,
		&alert.BackupChannel,
		&alert.Destination,
		&alert.TriggerMessage,
		&alert.TriggerTag,
	); err != nil {
		return Alert{}, err
	}

	level, err := decimal.NewFromString(levelStr)
	if err != nil {
		return Alert{}, fmt.Errorf("parse alert level: %w", err)
	}
	alert.Level = level
	alert.Placement = Placement(place)

	if err := json.Unmarshal(request, &alert.Request); err != nil {
		return Alert{}, fmt.Errorf("decode alert request %s: %w", alert.ID, err)
	}
	return alert, nil
}

var _ Backend = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)

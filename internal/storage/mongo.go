package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"market-alerts/internal/config"
)

// MongoDB collection names.
const (
	MongoAlertsCollection        = "market_alerts"
	MongoAccountsCollection      = "accounts"
	MongoMessagesCollection      = "messages"
	MongoSnapshotsCollection     = "halt_snapshots"
	MongoSubscriptionsCollection = "halt_subscriptions"
	MongoGuildsCollection        = "guilds"

	currentSnapshotID = "current"
)

// MongoStore is the document-store backend.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
}

type alertDocument struct {
	ID             any       `bson:"_id"`
	AccountID      string    `bson:"account_id"`
	Request        bson.M    `bson:"request"`
	Timestamp      time.Time `bson:"timestamp"`
	Level          any       `bson:"level"`
	LevelText      string    `bson:"level_text"`
	Placement      string    `bson:"placement"`
	Channel        *int64    `bson:"channel"`
	BackupChannel  *int64    `bson:"backup_channel"`
	Destination    *int64    `bson:"destination"`
	TriggerMessage string    `bson:"trigger_message"`
	TriggerTag     string    `bson:"trigger_tag"`
}

type accountDocument struct {
	ID      string `bson:"_id"`
	OwnerID int64  `bson:"owner_id"`
}

type snapshotDocument struct {
	ID      string                `bson:"_id"`
	TakenAt time.Time             `bson:"taken_at"`
	Halts   map[string]HaltRecord `bson:"halts"`
}

type subscriptionDocument struct {
	ID        string    `bson:"_id"`
	GuildID   int64     `bson:"guild_id"`
	Kind      string    `bson:"kind"`
	Endpoint  string    `bson:"endpoint"`
	CreatedAt time.Time `bson:"created_at"`
}

type guildDocument struct {
	ID         int64  `bson:"_id"`
	AccountID  string `bson:"account_id"`
	StaleCount int    `bson:"stale_count"`
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, cfg config.DatabaseConfig) (*MongoStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	opts := options.Client().
		ApplyURI(cfg.DSN).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	if cfg.MaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.MaxOpenConns))
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &MongoStore{client: client, database: client.Database(cfg.Name)}, nil
}

// Close disconnects the client.
func (m *MongoStore) Close() {
	if m == nil || m.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.client.Disconnect(ctx)
}

func (m *MongoStore) collection(name string) (*mongo.Collection, error) {
	if m == nil || m.database == nil {
		return nil, ErrNotConfigured
	}
	return m.database.Collection(name), nil
}

// StreamAlerts calls fn for every alert document.
func (m *MongoStore) StreamAlerts(ctx context.Context, fn func(Alert) error) error {
	coll, err := m.collection(MongoAlertsCollection)
	if err != nil {
		return err
	}

	cursor, err := coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "account_id", Value: 1}}))
	if err != nil {
		return fmt.Errorf("find alerts: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc alertDocument
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decode alert: %w", err)
		}
		alert, err := doc.toAlert()
		if err != nil {
			return err
		}
		if err := fn(alert); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// DeleteAlert removes an alert document by id.
func (m *MongoStore) DeleteAlert(ctx context.Context, id string) error {
	coll, err := m.collection(MongoAlertsCollection)
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, bson.M{"_id": documentID(id)}); err != nil {
		return fmt.Errorf("delete alert %s: %w", id, err)
	}
	return nil
}

// ListAccounts loads the account registry.
func (m *MongoStore) ListAccounts(ctx context.Context) (Accounts, error) {
	coll, err := m.collection(MongoAccountsCollection)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find accounts: %w", err)
	}
	defer cursor.Close(ctx)

	accounts := make(Accounts)
	for cursor.Next(ctx) {
		var doc accountDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		accounts[doc.ID] = doc.OwnerID
	}
	return accounts, cursor.Err()
}

// EnqueueMessage inserts a notification document.
func (m *MongoStore) EnqueueMessage(ctx context.Context, msg OutboxMessage) error {
	coll, err := m.collection(MongoMessagesCollection)
	if err != nil {
		return err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	doc := bson.M{
		"_id":           msg.ID.String(),
		"title":         msg.Title,
		"subtitle":      msg.Subtitle,
		"description":   msg.Description,
		"tag":           msg.Tag,
		"color":         msg.Color,
		"user":          msg.User,
		"channel":       msg.Channel,
		"backupUser":    msg.BackupUser,
		"backupChannel": msg.BackupChannel,
		"destination":   msg.Destination,
		"createdAt":     msg.CreatedAt,
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// SaveHaltSnapshot replaces the current snapshot document.
func (m *MongoStore) SaveHaltSnapshot(ctx context.Context, snapshot HaltSnapshot) error {
	coll, err := m.collection(MongoSnapshotsCollection)
	if err != nil {
		return err
	}

	doc := snapshotDocument{ID: currentSnapshotID, TakenAt: snapshot.TakenAt, Halts: snapshot.Halts}
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": currentSnapshotID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace halt snapshot: %w", err)
	}
	return nil
}

// LoadHaltSnapshot returns the current snapshot document, if any.
func (m *MongoStore) LoadHaltSnapshot(ctx context.Context) (HaltSnapshot, bool, error) {
	coll, err := m.collection(MongoSnapshotsCollection)
	if err != nil {
		return HaltSnapshot{}, false, err
	}

	var doc snapshotDocument
	if err := coll.FindOne(ctx, bson.M{"_id": currentSnapshotID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return HaltSnapshot{}, false, nil
		}
		return HaltSnapshot{}, false, fmt.Errorf("load halt snapshot: %w", err)
	}
	if doc.Halts == nil {
		doc.Halts = make(map[string]HaltRecord)
	}
	return HaltSnapshot{TakenAt: doc.TakenAt, Halts: doc.Halts}, true, nil
}

// ListHaltSubscriptions lists halt notification targets.
func (m *MongoStore) ListHaltSubscriptions(ctx context.Context) ([]HaltSubscription, error) {
	coll, err := m.collection(MongoSubscriptionsCollection)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find halt subscriptions: %w", err)
	}
	defer cursor.Close(ctx)

	subs := make([]HaltSubscription, 0)
	for cursor.Next(ctx) {
		var doc subscriptionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode halt subscription: %w", err)
		}
		subs = append(subs, HaltSubscription{
			ID:        doc.ID,
			GuildID:   doc.GuildID,
			Kind:      doc.Kind,
			Endpoint:  doc.Endpoint,
			CreatedAt: doc.CreatedAt,
		})
	}
	return subs, cursor.Err()
}

// DeleteHaltSubscription removes a halt notification target.
func (m *MongoStore) DeleteHaltSubscription(ctx context.Context, id string) error {
	coll, err := m.collection(MongoSubscriptionsCollection)
	if err != nil {
		return err
	}
	res, err := coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete halt subscription: %w", err)
	}
	if res.DeletedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// GetGuild resolves a guild document by id.
func (m *MongoStore) GetGuild(ctx context.Context, id int64) (Guild, bool, error) {
	coll, err := m.collection(MongoGuildsCollection)
	if err != nil {
		return Guild{}, false, err
	}

	var doc guildDocument
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Guild{}, false, nil
		}
		return Guild{}, false, fmt.Errorf("get guild: %w", err)
	}
	return Guild{ID: doc.ID, AccountID: doc.AccountID, StaleCount: doc.StaleCount}, true, nil
}

func (d alertDocument) toAlert() (Alert, error) {
	id := documentIDString(d.ID)

	level, err := decimalFrom(d.Level)
	if err != nil {
		return Alert{}, fmt.Errorf("parse alert %s level: %w", id, err)
	}

	// bson.M values round-trip through JSON so nested documents become plain maps.
	raw, err := json.Marshal(d.Request)
	if err != nil {
		return Alert{}, fmt.Errorf("encode alert %s request: %w", id, err)
	}
	var request AlertRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return Alert{}, fmt.Errorf("decode alert %s request: %w", id, err)
	}

	return Alert{
		ID:             id,
		AccountID:      d.AccountID,
		Request:        request,
		Timestamp:      d.Timestamp,
		Level:          level,
		LevelText:      d.LevelText,
		Placement:      Placement(d.Placement),
		Channel:        d.Channel,
		BackupChannel:  d.BackupChannel,
		Destination:    d.Destination,
		TriggerMessage: d.TriggerMessage,
		TriggerTag:     d.TriggerTag,
	}, nil
}

func decimalFrom(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), nil
	case int32:
		return decimal.NewFromInt32(val), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case string:
		return decimal.NewFromString(val)
	case primitive.Decimal128:
		return decimal.NewFromString(val.String())
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported level type %T", v)
	}
}

func documentID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func documentIDString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(v)
	}
}

var _ Backend = (*MongoStore)(nil)

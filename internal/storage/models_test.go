package storage

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestAccountsOwner(t *testing.T) {
	accounts := Accounts{"ebOX1w1N2DgM": 42}

	if owner, ok := accounts.Owner("361916376069439490"); !ok || owner != 361916376069439490 {
		t.Fatalf("numeric account id should be used as owner, got %d %v", owner, ok)
	}
	if owner, ok := accounts.Owner("ebOX1w1N2DgM"); !ok || owner != 42 {
		t.Fatalf("registered account should resolve, got %d %v", owner, ok)
	}
	if _, ok := accounts.Owner("unknown"); ok {
		t.Fatal("unregistered account must not resolve")
	}
}

func TestGuildStale(t *testing.T) {
	if (Guild{StaleCount: 0}).Stale() {
		t.Fatal("zero stale count is not stale")
	}
	if !(Guild{StaleCount: 2}).Stale() {
		t.Fatal("positive stale count is stale")
	}
}

func TestAlertDocumentToAlert(t *testing.T) {
	oid := primitive.NewObjectID()
	doc := alertDocument{
		ID:        oid,
		AccountID: "acc",
		Request: bson.M{
			"currentPlatform": "CoinGecko",
			"ticker": bson.M{
				"name":     "BTC",
				"exchange": bson.M{"name": "Binance"},
			},
		},
		Level:     "150.25",
		Placement: "below",
	}

	alert, err := doc.toAlert()
	if err != nil {
		t.Fatalf("toAlert: %v", err)
	}
	if alert.ID != oid.Hex() {
		t.Fatalf("object id should render as hex, got %s", alert.ID)
	}
	if !alert.Level.Equal(decimal.RequireFromString("150.25")) {
		t.Fatalf("unexpected level %s", alert.Level)
	}
	if alert.Request.Platform != "CoinGecko" {
		t.Fatalf("unexpected platform %q", alert.Request.Platform)
	}
	exchange, ok := alert.Request.Ticker["exchange"].(map[string]any)
	if !ok || exchange["name"] != "Binance" {
		t.Fatalf("nested ticker documents should decode to plain maps: %#v", alert.Request.Ticker)
	}
	if alert.Placement != PlacementBelow {
		t.Fatalf("unexpected placement %q", alert.Placement)
	}
}

func TestDecimalFrom(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{float64(1.5), "1.5"},
		{int32(7), "7"},
		{int64(9), "9"},
		{"0.0001", "0.0001"},
	}
	for _, tc := range cases {
		got, err := decimalFrom(tc.in)
		if err != nil {
			t.Fatalf("decimalFrom(%v): %v", tc.in, err)
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("decimalFrom(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := decimalFrom(true); err == nil {
		t.Fatal("bool level should be rejected")
	}
}

func TestNilStoresReportNotConfigured(t *testing.T) {
	var pg *Store
	if _, err := pg.ListAccounts(t.Context()); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	var mg *MongoStore
	if _, err := mg.ListAccounts(t.Context()); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

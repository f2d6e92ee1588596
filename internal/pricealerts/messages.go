package pricealerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"market-alerts/internal/storage"
)

const (
	subtitle          = "Price Alerts"
	expiryDescription = "Price alerts automatically cancel after 3 months. If you'd like to keep your alert, you'll have to schedule it again."
)

// describe returns the "NAME (EXCHANGE)" and "LEVEL QUOTE" fragments of the copy.
func describe(alert storage.Alert) (name, level string) {
	ticker := alert.Request.Ticker
	name = stringField(ticker, "name")
	if name == "" {
		name = stringField(ticker, "id")
	}
	if exchange, ok := ticker["exchange"].(map[string]any); ok {
		if exName := stringField(exchange, "name"); exName != "" {
			name = fmt.Sprintf("%s (%s)", name, exName)
		}
	}

	level = alert.LevelText
	if level == "" {
		level = alert.Level.String()
	}
	if quote := stringField(ticker, "quote"); quote != "" {
		level += " " + quote
	}
	return name, level
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}

func (e *Evaluator) destination(alert storage.Alert) int64 {
	if alert.Destination != nil {
		return *alert.Destination
	}
	return e.opts.DefaultDestination
}

func (e *Evaluator) triggerMessage(alert storage.Alert, at time.Time) storage.OutboxMessage {
	name, level := describe(alert)
	owner := alert.OwnerID
	msg := storage.OutboxMessage{
		ID:            uuid.New(),
		Title:         fmt.Sprintf("Price of %s hit %s.", name, level),
		Subtitle:      subtitle,
		Description:   alert.TriggerMessage,
		Tag:           alert.TriggerTag,
		Color:         e.opts.Color,
		Channel:       alert.Channel,
		BackupUser:    &owner,
		BackupChannel: alert.BackupChannel,
		Destination:   e.destination(alert),
		CreatedAt:     at,
	}
	if alert.Channel == nil {
		msg.User = &owner
	}
	return msg
}

func (e *Evaluator) expiryMessage(alert storage.Alert, at time.Time) storage.OutboxMessage {
	name, level := describe(alert)
	owner := alert.OwnerID
	return storage.OutboxMessage{
		ID:            uuid.New(),
		Title:         fmt.Sprintf("Price alert for %s at %s expired.", name, level),
		Subtitle:      subtitle,
		Description:   expiryDescription,
		Color:         e.opts.Color,
		User:          &owner,
		Channel:       alert.Channel,
		BackupUser:    &owner,
		BackupChannel: alert.BackupChannel,
		Destination:   e.destination(alert),
		CreatedAt:     at,
	}
}

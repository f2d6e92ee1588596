package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMessageNotFound reports that the message behind a handle no longer exists.
var ErrMessageNotFound = errors.New("notification message not found")

// Handle is an opaque reference to a delivered message.
type Handle string

// TimelineEntry is one line of a message's accumulated history.
type TimelineEntry struct {
	Text string
	At   time.Time
}

// Message is the payload sent to a sink. On edits Image is not resent;
// ImageName refers to the attachment uploaded with the original message.
type Message struct {
	Title       string
	Description string
	Color       int
	Timeline    []TimelineEntry
	Image       []byte
	ImageName   string
}

// MessageSink delivers and edits messages for one target.
type MessageSink interface {
	Create(ctx context.Context, msg Message) (Handle, error)
	Edit(ctx context.Context, handle Handle, msg Message) (Handle, error)
}

// timestampFunc renders a timeline timestamp in the sink's dialect.
type timestampFunc func(time.Time) string

func discordTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}

func plainTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func renderBody(msg Message, stamp timestampFunc) string {
	var b strings.Builder
	b.WriteString(msg.Description)
	if len(msg.Timeline) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		for i, entry := range msg.Timeline {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(entry.Text)
			if !entry.At.IsZero() {
				b.WriteString(" ")
				b.WriteString(stamp(entry.At))
			}
		}
	}
	return b.String()
}

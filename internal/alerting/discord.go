package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DiscordOptions configure webhook delivery.
type DiscordOptions struct {
	Username      string
	AvatarURL     string
	Timeout       time.Duration
	RatePerSecond float64
	MaxRetries    uint
}

// DiscordWebhook posts embeds through a Discord webhook URL.
type DiscordWebhook struct {
	endpoint string
	opts     DiscordOptions
	client   *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

var _ MessageSink = (*DiscordWebhook)(nil)

// NewDiscordWebhook constructs a webhook sink.
func NewDiscordWebhook(endpoint string, opts DiscordOptions, logger zerolog.Logger) *DiscordWebhook {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &DiscordWebhook{
		endpoint: strings.TrimRight(endpoint, "/"),
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "alert_discord").Logger(),
	}
}

// Create posts a new message and returns its id.
func (d *DiscordWebhook) Create(ctx context.Context, msg Message) (Handle, error) {
	target := d.endpoint + "?wait=true"
	id, err := d.send(ctx, http.MethodPost, target, msg)
	if err != nil {
		return "", err
	}
	d.logger.Debug().Str("message_id", id).Str("title", msg.Title).Msg("discord message created")
	return Handle(id), nil
}

// Edit replaces the embed of an existing message.
func (d *DiscordWebhook) Edit(ctx context.Context, handle Handle, msg Message) (Handle, error) {
	if handle == "" {
		return "", ErrMessageNotFound
	}
	target := d.endpoint + "/messages/" + url.PathEscape(string(handle))
	// attachments survive a JSON-only edit; ImageName keeps the embed pointing at them
	msg.Image = nil
	if _, err := d.send(ctx, http.MethodPatch, target, msg); err != nil {
		return "", err
	}
	return handle, nil
}

func (d *DiscordWebhook) send(ctx context.Context, method, target string, msg Message) (string, error) {
	payload := d.payload(msg)
	return backoff.Retry(ctx, func() (string, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
		body, contentType, err := encodeWebhook(payload, msg)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := d.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("send discord request: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return "", backoff.Permanent(ErrMessageNotFound)
		case resp.StatusCode == http.StatusTooManyRequests:
			return "", backoff.RetryAfter(retryAfterSeconds(resp.Header.Get("Retry-After")))
		case resp.StatusCode >= 500:
			return "", fmt.Errorf("discord server error (%d)", resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return "", backoff.Permanent(fmt.Errorf("discord webhook error (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		}

		var created struct {
			ID string `json:"id"`
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &created); err != nil {
				return "", backoff.Permanent(fmt.Errorf("decode discord response: %w", err))
			}
		}
		return created.ID, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(d.opts.MaxRetries),
	)
}

type webhookEmbed struct {
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Color       int           `json:"color,omitempty"`
	Image       *webhookImage `json:"image,omitempty"`
}

type webhookImage struct {
	URL string `json:"url"`
}

type webhookPayload struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []webhookEmbed `json:"embeds"`
}

func (d *DiscordWebhook) payload(msg Message) webhookPayload {
	embed := webhookEmbed{
		Title:       msg.Title,
		Description: renderBody(msg, discordTimestamp),
		Color:       msg.Color,
	}
	if len(msg.Image) > 0 || msg.ImageName != "" {
		embed.Image = &webhookImage{URL: "attachment://" + imageName(msg)}
	}
	return webhookPayload{
		Username:  d.opts.Username,
		AvatarURL: d.opts.AvatarURL,
		Embeds:    []webhookEmbed{embed},
	}
}

func encodeWebhook(payload webhookPayload, msg Message) (io.Reader, string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal discord payload: %w", err)
	}
	if len(msg.Image) == 0 {
		return bytes.NewReader(encoded), "application/json", nil
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("payload_json", string(encoded)); err != nil {
		return nil, "", err
	}
	part, err := form.CreateFormFile("files[0]", imageName(msg))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(msg.Image); err != nil {
		return nil, "", err
	}
	if err := form.Close(); err != nil {
		return nil, "", err
	}
	return &buf, form.FormDataContentType(), nil
}

func imageName(msg Message) string {
	if msg.ImageName != "" {
		return msg.ImageName
	}
	return "chart.png"
}

func retryAfterSeconds(header string) int {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(header), 64)
	if err != nil || seconds < 1 {
		return 1
	}
	return int(seconds + 0.999)
}

// IsNotFound reports whether err means the target message is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

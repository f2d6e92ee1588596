package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TelegramOptions configure the Telegram bot sink.
type TelegramOptions struct {
	BotToken      string
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
}

// TelegramSink 通过 Telegram Bot API 推送与编辑文本消息。
type TelegramSink struct {
	chatID  string
	opts    TelegramOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var _ MessageSink = (*TelegramSink)(nil)

// NewTelegramSink 构造单个会话的 Telegram 推送器。
func NewTelegramSink(chatID string, opts TelegramOptions, logger zerolog.Logger) *TelegramSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &TelegramSink{
		chatID:  chatID,
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Create 调用 sendMessage API 推送文本。
func (t *TelegramSink) Create(ctx context.Context, msg Message) (Handle, error) {
	result, err := t.call(ctx, "sendMessage", map[string]any{
		"chat_id": t.chatID,
		"text":    renderTelegram(msg),
	})
	if err != nil {
		return "", err
	}
	t.logger.Info().Str("chat_id", t.chatID).Str("title", msg.Title).Msg("告警已发送 (Telegram)")
	return Handle(strconv.FormatInt(result.MessageID, 10)), nil
}

// Edit 调用 editMessageText API 更新已发送的消息。
func (t *TelegramSink) Edit(ctx context.Context, handle Handle, msg Message) (Handle, error) {
	messageID, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return "", ErrMessageNotFound
	}
	_, err = t.call(ctx, "editMessageText", map[string]any{
		"chat_id":    t.chatID,
		"message_id": messageID,
		"text":       renderTelegram(msg),
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

type telegramResult struct {
	MessageID int64 `json:"message_id"`
}

func (t *TelegramSink) call(ctx context.Context, method string, payload map[string]any) (telegramResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return telegramResult{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return telegramResult{}, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.opts.BaseURL, t.opts.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return telegramResult{}, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return telegramResult{}, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var decoded struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return telegramResult{}, fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
		}
		return telegramResult{}, fmt.Errorf("decode telegram response: %w", err)
	}

	if !decoded.OK {
		desc := strings.ToLower(decoded.Description)
		switch {
		case strings.Contains(desc, "message is not modified"):
			return telegramResult{}, nil
		case strings.Contains(desc, "message to edit not found"), strings.Contains(desc, "chat not found"):
			return telegramResult{}, ErrMessageNotFound
		}
		return telegramResult{}, fmt.Errorf("telegram 返回 ok=false: %s", decoded.Description)
	}

	var result telegramResult
	if len(decoded.Result) > 0 && decoded.Result[0] == '{' {
		if err := json.Unmarshal(decoded.Result, &result); err != nil {
			return telegramResult{}, fmt.Errorf("decode telegram result: %w", err)
		}
	}
	return result, nil
}

func renderTelegram(msg Message) string {
	body := renderBody(msg, plainTimestamp)
	if body == "" {
		return msg.Title
	}
	return msg.Title + "\n" + body
}

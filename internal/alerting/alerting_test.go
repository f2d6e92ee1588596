package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestRenderBodyTimeline(t *testing.T) {
	at := time.Unix(1709300000, 0)
	msg := Message{
		Description: "Trading is halted pending the release of material news.",
		Timeline: []TimelineEntry{
			{Text: "News Pending (T1)", At: at},
			{Text: "Resumed", At: at.Add(time.Hour)},
		},
	}
	got := renderBody(msg, discordTimestamp)
	want := "Trading is halted pending the release of material news.\n\nNews Pending (T1) <t:1709300000:R>\nResumed <t:1709303600:R>"
	if got != want {
		t.Fatalf("时间线渲染错误:\n%s\n期望:\n%s", got, want)
	}
}

func TestDiscordCreateAndEdit(t *testing.T) {
	var methods []string
	var lastPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&lastPayload)
		if r.Method == http.MethodPost && r.URL.Query().Get("wait") != "true" {
			t.Fatalf("创建消息应携带 wait=true")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "1001"})
	}))
	defer srv.Close()

	hook := NewDiscordWebhook(srv.URL+"/api/webhooks/1/token", DiscordOptions{Username: "Alpha", Timeout: time.Second}, testLogger())
	handle, err := hook.Create(context.Background(), Message{Title: "Trading for `ABCD` has been halted.", Color: 0x808080})
	if err != nil {
		t.Fatalf("创建消息失败: %v", err)
	}
	if handle != "1001" {
		t.Fatalf("应返回消息 id, 实际 %q", handle)
	}
	if lastPayload["username"] != "Alpha" {
		t.Fatalf("username 不正确: %#v", lastPayload)
	}

	if _, err := hook.Edit(context.Background(), handle, Message{Title: "edited"}); err != nil {
		t.Fatalf("编辑消息失败: %v", err)
	}
	if methods[1] != "PATCH /api/webhooks/1/token/messages/1001" {
		t.Fatalf("编辑请求路径错误: %v", methods)
	}
}

func TestDiscordCreateWithImageUsesMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Fatalf("带图片时应使用 multipart, 实际 %q", r.Header.Get("Content-Type"))
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		fields := map[string]string{}
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("读取 multipart 失败: %v", err)
			}
			raw, _ := io.ReadAll(part)
			fields[part.FormName()] = string(raw)
		}
		if !strings.Contains(fields["payload_json"], "attachment://ABCD.png") {
			t.Fatalf("embed 应引用附件: %s", fields["payload_json"])
		}
		if fields["files[0]"] != "png-bytes" {
			t.Fatalf("附件内容错误: %q", fields["files[0]"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "7"})
	}))
	defer srv.Close()

	hook := NewDiscordWebhook(srv.URL, DiscordOptions{Timeout: time.Second}, testLogger())
	if _, err := hook.Create(context.Background(), Message{Title: "halt", Image: []byte("png-bytes"), ImageName: "ABCD.png"}); err != nil {
		t.Fatalf("创建消息失败: %v", err)
	}
}

func TestDiscordEditKeepsAttachmentReference(t *testing.T) {
	var contentType string
	var payload struct {
		Embeds []struct {
			Image *struct {
				URL string `json:"url"`
			} `json:"image"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "7"})
	}))
	defer srv.Close()

	hook := NewDiscordWebhook(srv.URL, DiscordOptions{Timeout: time.Second}, testLogger())
	_, err := hook.Edit(context.Background(), "7", Message{Title: "halt", Image: []byte("png-bytes"), ImageName: "ABCD.png"})
	if err != nil {
		t.Fatalf("编辑消息失败: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("编辑不应重新上传图片, 实际 %q", contentType)
	}
	if len(payload.Embeds) != 1 || payload.Embeds[0].Image == nil || payload.Embeds[0].Image.URL != "attachment://ABCD.png" {
		t.Fatalf("编辑后 embed 应继续引用附件: %+v", payload)
	}
}

func TestDiscordEditMissingMessage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown Message","code":10008}`))
	}))
	defer srv.Close()

	hook := NewDiscordWebhook(srv.URL, DiscordOptions{Timeout: time.Second, MaxRetries: 3}, testLogger())
	_, err := hook.Edit(context.Background(), "42", Message{Title: "x"})
	if !errors.Is(err, ErrMessageNotFound) || !IsNotFound(err) {
		t.Fatalf("404 应映射为 ErrMessageNotFound, 实际 %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("404 不应重试, 实际请求 %d 次", calls.Load())
	}
}

func TestDiscordRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "9"})
	}))
	defer srv.Close()

	hook := NewDiscordWebhook(srv.URL, DiscordOptions{Timeout: time.Second, MaxRetries: 2}, testLogger())
	handle, err := hook.Create(context.Background(), Message{Title: "x"})
	if err != nil {
		t.Fatalf("5xx 后重试应成功: %v", err)
	}
	if handle != "9" || calls.Load() != 2 {
		t.Fatalf("期望重试一次, handle=%q calls=%d", handle, calls.Load())
	}
}

func TestTelegramSinkCreateAndEdit(t *testing.T) {
	var paths []string
	received := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": 321}})
	}))
	defer srv.Close()

	sink := NewTelegramSink("chat", TelegramOptions{BotToken: "token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	handle, err := sink.Create(context.Background(), Message{Title: "Trading for ABCD has been halted."})
	if err != nil {
		t.Fatalf("Telegram Create 应成功: %v", err)
	}
	if handle != "321" {
		t.Fatalf("handle 不正确: %q", handle)
	}
	if received["chat_id"] != "chat" || received["text"] != "Trading for ABCD has been halted." {
		t.Fatalf("请求体不正确: %#v", received)
	}

	if _, err := sink.Edit(context.Background(), handle, Message{Title: "x", Timeline: []TimelineEntry{{Text: "Resumed"}}}); err != nil {
		t.Fatalf("Telegram Edit 应成功: %v", err)
	}
	if !strings.HasSuffix(paths[1], "/bottoken/editMessageText") || received["message_id"] != float64(321) {
		t.Fatalf("编辑请求错误: %v %#v", paths, received)
	}
}

func TestTelegramSinkEditNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Bad Request: message to edit not found"})
	}))
	defer srv.Close()

	sink := NewTelegramSink("chat", TelegramOptions{BotToken: "token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if _, err := sink.Edit(context.Background(), "5", Message{Title: "x"}); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("应返回 ErrMessageNotFound, 实际 %v", err)
	}
}

func TestTelegramSinkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Forbidden"})
	}))
	defer srv.Close()

	sink := NewTelegramSink("chat", TelegramOptions{BotToken: "token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if _, err := sink.Create(context.Background(), Message{Title: "x"}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

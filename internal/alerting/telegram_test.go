package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	var received sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	if err := notifier.Send(context.Background(), "<b>hello</b>", "HTML"); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}

	if received.ChatID != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received.Text != "<b>hello</b>" || received.ParseMode != "HTML" {
		t.Fatalf("text/parse_mode 不正确: %#v", received)
	}
	if !received.DisableWebPagePreview {
		t.Fatalf("应关闭链接预览")
	}
}

func TestTelegramNotifierOKFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	err := notifier.Send(context.Background(), "x", "")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("ok=false 应报错并带描述, 实际 %v", err)
	}
}

func TestTelegramNotifierHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Too Many Requests: retry after 3"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	if err := notifier.Send(context.Background(), "x", ""); err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("HTTP 429 应报错, 实际 %v", err)
	}
}

type stubSink struct {
	calls int
	err   error
}

func (s *stubSink) Send(ctx context.Context, text, format string) error {
	s.calls++
	return s.err
}

func TestFanoutTriesEverySink(t *testing.T) {
	failing := &stubSink{err: errors.New("down")}
	ok := &stubSink{}
	err := Fanout{failing, ok, NewLogNotifier(testLogger())}.Send(context.Background(), "x", "")
	if err == nil {
		t.Fatal("应返回首个错误")
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Fatalf("每个通道都应尝试一次: %d %d", failing.calls, ok.calls)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"potion-flow-monitor/internal/model"
)

func sampleNote() Notification {
	return Notification{
		Ticket: model.AnnotatedTicket{
			TransportTicket: model.TransportTicket{
				TicketID:        "TT_20251030_001",
				CauldronID:      "cauldron_001",
				AmountCollected: 120,
				CourierID:       "courier_1",
				Date:            time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC),
			},
			IsSuspicious:      true,
			SuspicionSeverity: model.SeverityCritical,
			SuspicionReason:   "amount collected 120.00 L exceeds max volume 100.00 L of Crimson Brew by 20.00 L",
		},
		CauldronName: "Crimson Brew",
		DetectedAt:   time.Date(2025, 10, 30, 1, 0, 0, 0, time.UTC),
		Channels:     []string{"telegram"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "TT_20251030_001") {
		t.Fatalf("text 应包含工单号: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("非 2xx 应报错")
	}
}

func TestRenderMessage(t *testing.T) {
	msg := renderMessage(sampleNote())
	for _, want := range []string{"CRITICAL", "Crimson Brew (cauldron_001)", "Amount: 120.00 L", "Date: 2025-10-30", "Channels: telegram"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(testLogger()).Notify(context.Background(), sampleNote()); err != nil {
		t.Fatal(err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

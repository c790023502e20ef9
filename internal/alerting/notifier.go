package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"potion-flow-monitor/internal/model"
)

// Notification 封装告警上下文。
type Notification struct {
	Ticket        model.AnnotatedTicket
	CauldronName  string
	DetectedAt    time.Time
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("ticket_id", note.Ticket.TicketID).
		Str("severity", string(note.Ticket.SuspicionSeverity)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes alerts to the log only. Used when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the rendered alert at warn level.
func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	n.logger.Warn().
		Str("ticket_id", note.Ticket.TicketID).
		Str("severity", string(note.Ticket.SuspicionSeverity)).
		Str("reason", note.Ticket.SuspicionReason).
		Msg("suspicious ticket")
	return nil
}

func renderMessage(note Notification) string {
	t := note.Ticket
	cauldron := t.CauldronID
	if note.CauldronName != "" && note.CauldronName != t.CauldronID {
		cauldron = fmt.Sprintf("%s (%s)", note.CauldronName, t.CauldronID)
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Potion Ticket Alert: %s]\n", strings.ToUpper(string(t.SuspicionSeverity))))
	builder.WriteString(fmt.Sprintf("Ticket: %s\n", t.TicketID))
	builder.WriteString(fmt.Sprintf("Date: %s\n", t.Date.UTC().Format("2006-01-02")))
	builder.WriteString(fmt.Sprintf("Cauldron: %s\n", cauldron))
	builder.WriteString(fmt.Sprintf("Courier: %s\n", t.CourierID))
	builder.WriteString(fmt.Sprintf("Amount: %s L\n", decimal.NewFromFloat(t.AmountCollected).StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Reason: %s\n", t.SuspicionReason))
	if !note.DetectedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", note.DetectedAt.UTC().Format(time.RFC3339)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

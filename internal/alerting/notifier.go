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
)

// Kind 区分告警来源。
type Kind string

const (
	KindDetected Kind = "detected"
	KindFlagged  Kind = "flagged"
	KindCleared  Kind = "cleared"
)

// Notification 封装异常告警上下文。
type Notification struct {
	Kind       Kind
	Asset      string
	ObservedAt time.Time
	Price      decimal.Decimal
	Mean       decimal.Decimal
	ZScore     float64
	PctChange  float64
	Reason     string
	TxHash     string
	Synthetic  bool
	Additional string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

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
		"text":    RenderMessage(note),
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

	n.logger.Info().Str("asset", note.Asset).
		Str("kind", string(note.Kind)).
		Str("tx", note.TxHash).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindCleared:
		builder.WriteString(fmt.Sprintf("[Sentinel] %s anomaly cleared\n", note.Asset))
	case KindFlagged:
		builder.WriteString(fmt.Sprintf("[Sentinel] %s flagged on-chain\n", note.Asset))
	default:
		builder.WriteString(fmt.Sprintf("[Sentinel] %s anomaly detected\n", note.Asset))
	}
	if !note.ObservedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.ObservedAt.UTC().Format(time.RFC3339)))
	}
	if !note.Price.IsZero() {
		builder.WriteString(fmt.Sprintf("Price: $%s", note.Price.StringFixed(2)))
		if note.Synthetic {
			builder.WriteString(" (synthetic)")
		}
		builder.WriteString("\n")
	}
	if !note.Mean.IsZero() {
		builder.WriteString(fmt.Sprintf("Window mean: $%s\n", note.Mean.StringFixed(2)))
	}
	if note.ZScore != 0 || note.PctChange != 0 {
		builder.WriteString(fmt.Sprintf("Z-score: %.2f  Change: %+.2f%%\n", note.ZScore, note.PctChange*100))
	}
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	}
	if note.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxHash))
	}
	if note.Additional != "" {
		builder.WriteString(note.Additional)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Nop{}
)

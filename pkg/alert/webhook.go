package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mixwatch/pkg/types"
)

// WebhookPayload Webhook负载
type WebhookPayload struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Severity    string        `json:"severity"`
	Timestamp   int64         `json:"timestamp"`
	ChainID     uint64        `json:"chainId"`
	Block       uint64        `json:"block"`
	Transaction string        `json:"transaction"`
	Finding     types.Finding `json:"finding"`
}

// WebhookSink 以 JSON POST 发送告警
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink 创建 Webhook 输出
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

// Send 非 2xx 响应视为失败
func (w *WebhookSink) Send(ctx context.Context, record Record) error {
	payload := WebhookPayload{
		ID:          record.ID,
		Type:        record.Finding.AlertID,
		Severity:    record.Finding.Severity.String(),
		Timestamp:   record.Timestamp.Unix(),
		ChainID:     record.Origin.ChainID,
		Block:       record.Origin.BlockNumber,
		Transaction: record.Origin.TxHash,
		Finding:     record.Finding,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-OK status: %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookSink) Close() error { return nil }

package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/productimport/internal/catalog"
)

// Limits for DeliveryLog.List.
const (
	DefaultLogLimit = 50
	MaxLogLimit     = 100
)

// maxResponseBody is the stored prefix of a subscriber's response, in runes.
const maxResponseBody = 500

const (
	insertAttemptSQL = `INSERT INTO webhook_logs (webhook_id, event_type, status_code, response_body, error_message)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at`

	listAttemptsSQL = `SELECT id, webhook_id, event_type, status_code, response_body, error_message, created_at
FROM webhook_logs
WHERE webhook_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`
)

// DeliveryAttempt records the outcome of one trigger to one subscriber,
// after any retries. Exactly one of StatusCode and ErrorMessage is set.
type DeliveryAttempt struct {
	ID           int64     `json:"id"`
	WebhookID    int64     `json:"webhook_id"`
	EventType    string    `json:"event_type"`
	StatusCode   *int      `json:"status_code"`
	ResponseBody *string   `json:"response_body"`
	ErrorMessage *string   `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeliveryLog is the append-only store of delivery attempts.
type DeliveryLog struct {
	db catalog.DBTX
}

// NewDeliveryLog creates a log backed by db.
func NewDeliveryLog(db catalog.DBTX) *DeliveryLog {
	return &DeliveryLog{db: db}
}

// Append stores a and returns it with ID and CreatedAt filled in.
func (l *DeliveryLog) Append(ctx context.Context, a DeliveryAttempt) (DeliveryAttempt, error) {
	err := l.db.QueryRow(ctx, insertAttemptSQL,
		a.WebhookID, a.EventType, a.StatusCode, a.ResponseBody, a.ErrorMessage,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return DeliveryAttempt{}, fmt.Errorf("append delivery log for webhook %d: %w", a.WebhookID, err)
	}
	return a, nil
}

// List returns the newest attempts for webhookID. limit is clamped to
// [1, MaxLogLimit]; zero selects DefaultLogLimit.
func (l *DeliveryLog) List(ctx context.Context, webhookID int64, limit int) ([]DeliveryAttempt, error) {
	limit = ClampLimit(limit)

	rows, err := l.db.Query(ctx, listAttemptsSQL, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list delivery log for webhook %d: %w", webhookID, err)
	}
	defer rows.Close()

	attempts := []DeliveryAttempt{}
	for rows.Next() {
		var a DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.WebhookID, &a.EventType, &a.StatusCode, &a.ResponseBody, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list delivery log for webhook %d: %w", webhookID, err)
	}
	return attempts, nil
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return limit
	}
}

// responseText turns a subscriber's raw response into storable text: invalid
// UTF-8 becomes U+FFFD, NUL bytes are dropped and the result is cut to
// maxResponseBody runes.
func responseText(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	return truncateRunes(s, maxResponseBody)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

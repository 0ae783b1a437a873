package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentState - состояние платежной заявки.
type PaymentState string

const (
	PaymentStatePending   PaymentState = "pending"
	PaymentStateConfirmed PaymentState = "confirmed"
	PaymentStateExpired   PaymentState = "expired"
	PaymentStateFailed    PaymentState = "failed"
	PaymentStateConsumed  PaymentState = "consumed"
)

// IsTerminal сообщает, является ли состояние конечным.
// Из confirmed возможен единственный переход - в consumed.
func (s PaymentState) IsTerminal() bool {
	switch s {
	case PaymentStateConfirmed, PaymentStateExpired, PaymentStateFailed, PaymentStateConsumed:
		return true
	}
	return false
}

// PaymentRequest - платежная заявка: одноразовый, ограниченный по времени
// запрос на оплату через внешний леджер.
type PaymentRequest struct {
	ID          uuid.UUID
	ActorID     int64
	Amount      decimal.Decimal
	Address     string
	State       PaymentState
	RetryCount  int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConfirmedAt *time.Time
}

// Advertisement - нижестоящее действие, привязанное ровно к одной
// подтвержденной платежной заявке.
type Advertisement struct {
	ID          int64
	ActorID     int64
	PaymentID   uuid.UUID
	Title       string
	Description string
	MediaURL    string
	Status      string
	CreatedAt   time.Time
}

const (
	AdStatusActive  = "active"
	AdStatusExpired = "expired"
)

// PaymentStats - агрегаты по заявкам для аналитики.
type PaymentStats struct {
	TotalRequests  int64
	ConfirmedCount int64
	FailedCount    int64
	ExpiredCount   int64
	ConsumedCount  int64
	TotalAmount    decimal.Decimal
	AverageAmount  decimal.Decimal
	DailyCounts    map[string]int64
}

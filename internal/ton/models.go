package ton

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status - статус платежа на стороне леджера.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusUnknown   Status = "unknown"
)

// Allocation - выделенный леджером одноразовый адрес приема.
type Allocation struct {
	Address   string
	ExpiresAt time.Time
}

// PaymentStatus - наблюдаемое леджером состояние адреса.
type PaymentStatus struct {
	Status         Status
	ObservedAmount decimal.Decimal
}

type allocateRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	LifetimeSeconds int64           `json:"lifetimeSeconds"`
}

type allocateResponse struct {
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type statusResponse struct {
	Status         string          `json:"status"`
	ObservedAmount decimal.Decimal `json:"observedAmount"`
}

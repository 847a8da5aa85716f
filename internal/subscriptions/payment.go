package subscriptions

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payment is a confirmed payment as reported by a payment gateway. Signature
// checks and payload parsing happen before a Payment is built.
type Payment struct {
	AccountID             string          `json:"accountId" binding:"required"`
	Type                  Type            `json:"type" binding:"required"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency" binding:"required,len=3"`
	Method                PaymentMethod   `json:"method" binding:"required"`
	ExternalTransactionID string          `json:"externalTransactionId" binding:"required,max=255"`
	WindowStart           time.Time       `json:"windowStart"`
	WindowEnd             time.Time       `json:"windowEnd"`
	AutoRenew             bool            `json:"autoRenew"`
}

// Subscription converts the payment into a new subscription record. A zero
// window is filled in from the subscription type when it is stored.
func (p Payment) Subscription() *Subscription {
	return &Subscription{
		AccountID:             strings.TrimSpace(p.AccountID),
		Type:                  p.Type,
		AmountPaid:            p.Amount,
		Currency:              strings.ToUpper(p.Currency),
		PaymentMethod:         p.Method,
		ExternalTransactionID: strings.TrimSpace(p.ExternalTransactionID),
		WindowStart:           p.WindowStart,
		WindowEnd:             p.WindowEnd,
		Status:                StatusActive,
		AutoRenew:             p.AutoRenew,
	}
}

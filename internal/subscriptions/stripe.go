package subscriptions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

var (
	ErrStripeNotConfigured = errors.New("stripe webhook secret not configured")
	ErrStripeSignature     = errors.New("invalid stripe signature")
)

// StripeActionKind says what a verified Stripe event asks for.
type StripeActionKind string

const (
	StripeIgnore  StripeActionKind = "ignore"
	StripePayment StripeActionKind = "payment"
	StripeRefund  StripeActionKind = "refund"
)

// StripeAction is the gate-level meaning of one Stripe event.
type StripeAction struct {
	EventID   string
	EventType string
	Kind      StripeActionKind
	Payment   *Payment // StripePayment
	RefundTxn string   // StripeRefund: the external transaction to mark refunded
}

// StripeWebhook verifies and translates Stripe webhook deliveries.
type StripeWebhook struct {
	secret string
}

// NewStripeWebhook creates a translator for the endpoint signing secret.
func NewStripeWebhook(secret string) *StripeWebhook {
	return &StripeWebhook{secret: strings.TrimSpace(secret)}
}

// Configured reports whether a signing secret is set.
func (w *StripeWebhook) Configured() bool {
	return w.secret != ""
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type charge struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
}

// Parse verifies the Stripe-Signature header over payload and maps the event.
// checkout.session.completed with payment_status "paid" becomes a payment;
// charge.refunded becomes a refund; everything else is ignored.
func (w *StripeWebhook) Parse(payload []byte, sigHeader string) (*StripeAction, error) {
	if !w.Configured() {
		return nil, ErrStripeNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStripeSignature, err)
	}
	return translate(&event)
}

func translate(event *stripe.Event) (*StripeAction, error) {
	action := &StripeAction{EventID: event.ID, EventType: string(event.Type), Kind: StripeIgnore}

	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout.session: %w", err)
		}
		if session.PaymentStatus != "paid" {
			return action, nil
		}
		p, err := paymentFromSession(session)
		if err != nil {
			return nil, err
		}
		action.Kind = StripePayment
		action.Payment = p

	case "charge.refunded":
		var c charge
		if err := json.Unmarshal(event.Data.Raw, &c); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if c.PaymentIntent == "" {
			return action, nil
		}
		action.Kind = StripeRefund
		action.RefundTxn = c.PaymentIntent
	}
	return action, nil
}

func paymentFromSession(s checkoutSession) (*Payment, error) {
	accountID := strings.TrimSpace(s.ClientReferenceID)
	if accountID == "" {
		accountID = strings.TrimSpace(s.Metadata["account_id"])
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: checkout session %s has no account reference", ErrInvalidSubscription, s.ID)
	}

	plan := Type(strings.ToLower(strings.TrimSpace(s.Metadata["plan"])))
	if plan == "" {
		plan = TypeMonthly
	}

	txn := s.PaymentIntent
	if txn == "" {
		txn = s.ID
	}

	currency := strings.ToUpper(s.Currency)
	return &Payment{
		AccountID:             accountID,
		Type:                  plan,
		Amount:                stripeAmount(s.AmountTotal, currency),
		Currency:              currency,
		Method:                MethodStripe,
		ExternalTransactionID: txn,
		AutoRenew:             s.Mode == "subscription",
	}, nil
}

// Stripe amounts are integers in the currency's smallest unit. Most
// currencies have two decimals; these are the exceptions Stripe documents.
var stripeCurrencyDecimals = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "JPY": 0, "KMF": 0, "KRW": 0, "MGA": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "JOD": 3, "KWD": 3, "OMR": 3, "TND": 3,
}

// stripeAmount converts a Stripe minor-unit amount to a decimal in major units.
func stripeAmount(minor int64, currency string) decimal.Decimal {
	decimals, ok := stripeCurrencyDecimals[currency]
	if !ok {
		decimals = 2
	}
	return decimal.New(minor, -decimals)
}

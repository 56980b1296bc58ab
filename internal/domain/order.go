package domain

import (
	"fmt"
	"time"
)

// OrderSource identifies the channel an order came from. Its prefix digit
// leads every order number issued for that source.
type OrderSource string

const (
	SourceMessenger OrderSource = "messenger"
	SourceChat      OrderSource = "chat"
	SourceWolt      OrderSource = "wolt"
)

// Prefix returns the order number prefix digit for the source.
func (s OrderSource) Prefix() (int, error) {
	switch s {
	case SourceMessenger:
		return 9, nil
	case SourceChat:
		return 8, nil
	case SourceWolt:
		return 7, nil
	default:
		return 0, fmt.Errorf("domain: unknown order source %q", s)
	}
}

// FormatOrderNumber renders a prefix digit and sequence as an order number.
func FormatOrderNumber(prefix int, seq int64) string {
	return fmt.Sprintf("%d%05d", prefix, seq)
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// CanTransition reports whether a payment status may move from s to next.
// Only pending orders change status.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	if s != PaymentPending {
		return false
	}
	return next == PaymentConfirmed || next == PaymentFailed
}

type PaymentMethod string

const (
	PaymentBankTransfer   PaymentMethod = "bank_transfer"
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// OrderSummary is the per-conversation record of a created order.
type OrderSummary struct {
	Number    string    `dynamodbav:"number"`
	CreatedAt time.Time `dynamodbav:"createdAt"`
	Item      string    `dynamodbav:"item"`
}

// OrderConfirmation is the structured payload extracted from a reply that
// confirms an order.
type OrderConfirmation struct {
	ClientName    string
	Phone         string
	Address       string
	Item          string
	Total         string
	DeliveryPrice float64
	ScheduledTime string
	ETAMinutes    int
	Instructions  string
	PaymentMethod PaymentMethod
}

// Order is the durable order record.
type Order struct {
	Number         string        `dynamodbav:"orderNumber"`
	Source         OrderSource   `dynamodbav:"source"`
	ConversationID string        `dynamodbav:"conversationId"`
	CreatedAt      time.Time     `dynamodbav:"createdAt"`
	ClientName     string        `dynamodbav:"clientName"`
	Phone          string        `dynamodbav:"phone"`
	Address        string        `dynamodbav:"address"`
	Item           string        `dynamodbav:"item"`
	Total          string        `dynamodbav:"total"`
	DeliveryPrice  float64       `dynamodbav:"deliveryPrice,omitempty"`
	ScheduledTime  string        `dynamodbav:"scheduledTime,omitempty"`
	ETAMinutes     int           `dynamodbav:"etaMinutes,omitempty"`
	Instructions   string        `dynamodbav:"instructions,omitempty"`
	PaymentMethod  PaymentMethod `dynamodbav:"paymentMethod"`
	PaymentStatus  PaymentStatus `dynamodbav:"paymentStatus"`
	ProductID      string        `dynamodbav:"productId,omitempty"`
	StockUpdated   bool          `dynamodbav:"stockUpdated"`
	Fallback       bool          `dynamodbav:"fallback,omitempty"`
}

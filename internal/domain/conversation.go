package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one entry in a conversation history.
type Turn struct {
	Role      string    `dynamodbav:"role"`
	Content   Content   `dynamodbav:"content"`
	Timestamp time.Time `dynamodbav:"timestamp"`
}

// DeliveryState tracks the delivery location confirmed on the map.
type DeliveryState struct {
	SessionID    string    `dynamodbav:"sessionId,omitempty"`
	Address      string    `dynamodbav:"address,omitempty"`
	Lat          float64   `dynamodbav:"lat,omitempty"`
	Lon          float64   `dynamodbav:"lon,omitempty"`
	MapConfirmed bool      `dynamodbav:"mapConfirmed"`
	Price        float64   `dynamodbav:"price,omitempty"`
	ETAMinutes   int       `dynamodbav:"etaMinutes,omitempty"`
	ConfirmedAt  time.Time `dynamodbav:"confirmedAt"`
}

// Conversation is the persisted state of one customer conversation.
type Conversation struct {
	ID                  string
	History             []Turn
	Orders              []OrderSummary
	ManualMode          bool
	ManualModeEnabledAt time.Time
	EscalationReason    string
	NeedsAttention      bool
	LastActive          time.Time
	Delivery            DeliveryState
	OperatorInstruction string
}

// LastOrder returns the most recent order summary, if any.
func (c *Conversation) LastOrder() (OrderSummary, bool) {
	if c == nil || len(c.Orders) == 0 {
		return OrderSummary{}, false
	}
	last := c.Orders[0]
	for _, o := range c.Orders[1:] {
		if o.CreatedAt.After(last.CreatedAt) {
			last = o
		}
	}
	return last, true
}

// TrimHistory keeps the last window turns. Trimming an already trimmed
// history returns it unchanged.
func TrimHistory(history []Turn, window int) []Turn {
	if window <= 0 || len(history) <= window {
		return history
	}
	out := make([]Turn, window)
	copy(out, history[len(history)-window:])
	return out
}

// EscalationEvent records a hand-off to a human operator.
type EscalationEvent struct {
	Reason          string
	Timestamp       time.Time
	// NotifyScheduled means an operator alert was queued. Delivery runs in
	// the background and its outcome is only logged.
	NotifyScheduled bool
	Verified        bool
}

// Package interpreter extracts structured signals from raw model replies:
// escalation directives, image directives and order confirmations. It never
// fails; malformed output simply yields no signal.
package interpreter

import (
	"regexp"
	"strconv"
	"strings"

	"commerce-agent/internal/domain"
)

// OrderNumberPlaceholder is replaced with the created order number.
const OrderNumberPlaceholder = "[ORDER_NUMBER]"

const (
	defaultEscalationReason = "escalation requested"
	keywordEscalationReason = "reply refers the customer to a human operator"
)

var (
	escalateRe = regexp.MustCompile(`(?m)ESCALATE_TO_MANAGER:?[ \t]*(.*?)[ \t]*$`)
	imageRe    = regexp.MustCompile(`SEND_IMAGE:[ \t]*([A-Za-z0-9_-]+)`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
	priceRe    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*₾`)
	etaRe      = regexp.MustCompile(`~?(\d+)\s*წუთ`)
)

// Confirmation phrases, matched case-insensitively.
var confirmationPhrases = []string{"შეკვეთა მიღებულია", "order confirmed"}

// Number markers; one must accompany a confirmation phrase.
var numberMarkers = []string{OrderNumberPlaceholder, "🎫"}

var operatorKeywords = []string{"მენეჯერ", "ოპერატორ", "manager", "operator", "human agent"}

// Escalation is an extracted escalation directive.
type Escalation struct {
	Reason string
	// Explicit is false when the reason was synthesized from keywords.
	Explicit bool
}

// Result is the interpretation of one reply.
type Result struct {
	// Text is the user-visible reply with all directives stripped.
	Text       string
	Escalation *Escalation
	ImageIDs   []string
	Order      *domain.OrderConfirmation
}

// Interpret parses a raw reply.
func Interpret(raw string) Result {
	text := strings.ReplaceAll(raw, "\r\n", "\n")

	var res Result
	if m := escalateRe.FindStringSubmatch(text); m != nil {
		reason := strings.TrimSpace(m[1])
		if reason == "" {
			reason = defaultEscalationReason
		}
		res.Escalation = &Escalation{Reason: reason, Explicit: true}
		text = escalateRe.ReplaceAllString(text, "")
	}

	seen := map[string]bool{}
	for _, m := range imageRe.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if !seen[id] {
			seen[id] = true
			res.ImageIDs = append(res.ImageIDs, id)
		}
	}
	text = imageRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(blankRunRe.ReplaceAllString(text, "\n\n"))

	res.Text = text
	res.Order = ParseOrder(text)

	// An order confirmation routinely mentions that a manager will follow up,
	// so the keyword net only applies to replies without one.
	if res.Escalation == nil && res.Order == nil && mentionsOperator(text) {
		res.Escalation = &Escalation{Reason: keywordEscalationReason}
	}
	return res
}

func mentionsOperator(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range operatorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ParseOrder extracts an order confirmation block. It returns nil unless both
// a confirmation phrase and a number marker are present and all five core
// fields parse.
func ParseOrder(text string) *domain.OrderConfirmation {
	if !containsAny(strings.ToLower(text), confirmationPhrases) || !containsAny(text, numberMarkers) {
		return nil
	}

	name, ok1 := field(text, "👤", "📞")
	phone, ok2 := field(text, "📞", "📍")
	address, ok3 := field(text, "📍", "📦")
	item, ok4 := field(text, "📦", "💰", "🚚")
	total, ok5 := field(text, "💰")
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil
	}
	phone = strings.Join(strings.Fields(phone), "")
	if phone == "" {
		return nil
	}

	oc := &domain.OrderConfirmation{
		ClientName:    name,
		Phone:         phone,
		Address:       address,
		Item:          item,
		Total:         total,
		PaymentMethod: domain.PaymentBankTransfer,
	}
	if v, ok := field(text, "🚚"); ok {
		if m := priceRe.FindStringSubmatch(v); m != nil {
			oc.DeliveryPrice, _ = strconv.ParseFloat(m[1], 64)
		}
	}
	if v, ok := field(text, "⏰", "⏱", "💰"); ok {
		oc.ScheduledTime = v
	}
	if v, ok := field(text, "⏱"); ok {
		if m := etaRe.FindStringSubmatch(v); m != nil {
			oc.ETAMinutes, _ = strconv.Atoi(m[1])
		}
	}
	if v, ok := field(text, "📝", "💰"); ok {
		oc.Instructions = v
	}
	if v, ok := field(text, "💳"); ok {
		oc.PaymentMethod = paymentMethod(v)
	}
	return oc
}

// FillOrderNumber substitutes the order number placeholder.
func FillOrderNumber(text, number string) string {
	if number == "" {
		return text
	}
	return strings.ReplaceAll(text, OrderNumberPlaceholder, number)
}

// HasPlaceholder reports whether text still carries an unresolved placeholder.
func HasPlaceholder(text string) bool {
	return strings.Contains(text, OrderNumberPlaceholder)
}

// ItemPrice returns the unit price written on an item line ("x 1 - 49₾").
func ItemPrice(item string) (float64, bool) {
	m := priceRe.FindStringSubmatch(item)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// field returns the value after the first colon following marker, up to the
// end of the line or the first stop marker.
func field(text, marker string, stops ...string) (string, bool) {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(marker):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", false
	}
	if nl := strings.IndexAny(rest[:colon], "\n"); nl >= 0 {
		return "", false
	}
	val := rest[colon+1:]
	if nl := strings.IndexAny(val, "\r\n"); nl >= 0 {
		val = val[:nl]
	}
	for _, s := range stops {
		if i := strings.Index(val, s); i >= 0 {
			val = val[:i]
		}
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}

func paymentMethod(v string) domain.PaymentMethod {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "ნაღდ") || strings.Contains(lower, "cash") {
		return domain.PaymentCashOnDelivery
	}
	return domain.PaymentBankTransfer
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

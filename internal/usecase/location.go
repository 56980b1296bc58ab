package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"commerce-agent/internal/delivery"
	"commerce-agent/internal/domain"
	"commerce-agent/internal/observability"
)

type Quoter interface {
	Quote(lat, lon float64) (delivery.Quote, error)
}

type DeliveryWriter interface {
	SetDelivery(ctx context.Context, conversationID string, d domain.DeliveryState) error
}

type TextSender interface {
	SendText(ctx context.Context, recipientID, text string) error
}

// LocationService handles the customer's confirm-on-map action.
type LocationService struct {
	quoter Quoter
	store  DeliveryWriter
	sender TextSender
	now    func() time.Time
}

type LocationInput struct {
	SenderID  string
	SessionID string
	Address   string
	Lat       float64
	Lon       float64
}

type LocationOutput struct {
	Price      float64
	DistanceKM float64
	ETAMinutes int
}

func NewLocationService(q Quoter, store DeliveryWriter, sender TextSender, now func() time.Time) (*LocationService, error) {
	if q == nil {
		return nil, errors.New("usecase: quoter must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: delivery writer must not be nil")
	}
	if sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &LocationService{quoter: q, store: store, sender: sender, now: now}, nil
}

// Confirm prices the delivery, stores the confirmed location and tells the
// customer the price. A failed confirmation message does not undo the save.
func (s *LocationService) Confirm(ctx context.Context, in LocationInput) (LocationOutput, error) {
	id := strings.TrimSpace(in.SenderID)
	if id == "" {
		return LocationOutput{}, newError(ErrorInvalidInput, "empty_sender_id", nil)
	}
	if in.Lat == 0 && in.Lon == 0 {
		return LocationOutput{}, newError(ErrorInvalidInput, "missing_coordinates", nil)
	}
	q, err := s.quoter.Quote(in.Lat, in.Lon)
	if err != nil {
		return LocationOutput{}, newError(ErrorInvalidInput, "invalid_coordinates", err)
	}

	state := domain.DeliveryState{
		SessionID:    strings.TrimSpace(in.SessionID),
		Address:      strings.TrimSpace(in.Address),
		Lat:          in.Lat,
		Lon:          in.Lon,
		MapConfirmed: true,
		Price:        q.Price,
		ETAMinutes:   q.ETAMinutes,
		ConfirmedAt:  s.now().UTC(),
	}
	if err := s.store.SetDelivery(ctx, id, state); err != nil {
		return LocationOutput{}, newError(ErrorInternal, "delivery_save_error", err)
	}

	log := observability.Logger(ctx).With("conversation_id", id)
	if err := s.sender.SendText(ctx, id, ConfirmationText(state)); err != nil {
		log.Warn("location confirmation message failed", "err", err)
	}
	log.Info("delivery location confirmed", "price", q.Price, "distance_km", q.DistanceKM)
	return LocationOutput{Price: q.Price, DistanceKM: q.DistanceKM, ETAMinutes: q.ETAMinutes}, nil
}

// ConfirmationText is the message sent once a location is confirmed.
func ConfirmationText(d domain.DeliveryState) string {
	var b strings.Builder
	b.WriteString("✅ მისამართი დადასტურებულია")
	if d.Address != "" {
		fmt.Fprintf(&b, ": %s", d.Address)
	}
	fmt.Fprintf(&b, "\n🚚 მიწოდების ფასი: %s ₾", strconv.FormatFloat(d.Price, 'f', -1, 64))
	if d.ETAMinutes > 0 {
		fmt.Fprintf(&b, "\n⏱ სავარაუდო დრო: ~%d წუთი", d.ETAMinutes)
	}
	return b.String()
}

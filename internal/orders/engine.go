// Package orders turns confirmed orders into durable records exactly once
// per (phone, item, minute) bucket.
package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"commerce-agent/internal/domain"
	"commerce-agent/internal/repository"
)

const (
	DuplicateWindow = 2 * time.Minute

	defaultPeerTries    = 3
	defaultPeerInterval = 200 * time.Millisecond
)

var tracer = otel.Tracer("commerce-agent/orders")

var (
	ErrOrderNotFound     = errors.New("orders: order not found")
	ErrInvalidTransition = errors.New("orders: payment status transition not allowed")
	ErrInvalidStatus     = errors.New("orders: unknown payment status")
)

var errPeerPending = errors.New("orders: peer order not visible yet")

type Store interface {
	CreateOrderLock(ctx context.Context, bucketKey string, lock repository.OrderLock) error
	NextSequence(ctx context.Context, name string) (int64, error)
	SaveOrder(ctx context.Context, order domain.Order) error
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	GetOrder(ctx context.Context, number string) (domain.Order, error)
	UpdatePaymentStatus(ctx context.Context, number string, from, to domain.PaymentStatus) error
	MarkStockUpdated(ctx context.Context, number, productID string) error
}

type Stock interface {
	Match(ctx context.Context, item string) (domain.Product, bool, error)
	DeductStock(ctx context.Context, productID string, qty int) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Runner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

type Engine struct {
	store    Store
	stock    Stock
	notifier Notifier
	runner   Runner
	source   domain.OrderSource
	prefix   int
	now      func() time.Time

	peerTries    uint
	peerInterval time.Duration
}

type Option func(*Engine)

// WithStock enables best-effort stock deduction for created orders.
func WithStock(s Stock) Option {
	return func(e *Engine) {
		e.stock = s
	}
}

// WithNotifier sends a new-order alert in the background.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithPeerWait bounds how long a caller that lost the bucket lock waits for
// the winner's order to become visible.
func WithPeerWait(tries uint, interval time.Duration) Option {
	return func(e *Engine) {
		if tries > 0 {
			e.peerTries = tries
		}
		if interval > 0 {
			e.peerInterval = interval
		}
	}
}

func NewEngine(store Store, runner Runner, source domain.OrderSource, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("orders: store must not be nil")
	}
	if runner == nil {
		return nil, errors.New("orders: runner must not be nil")
	}
	prefix, err := source.Prefix()
	if err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	e := &Engine{
		store:        store,
		runner:       runner,
		source:       source,
		prefix:       prefix,
		now:          time.Now,
		peerTries:    defaultPeerTries,
		peerInterval: defaultPeerInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Create returns the order number for payload, creating the order if no
// equivalent order exists. A created order's summary is appended to
// conv.Orders.
func (e *Engine) Create(ctx context.Context, conv *domain.Conversation, payload domain.OrderConfirmation) (string, error) {
	ctx, span := tracer.Start(ctx, "orders.create", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
	))
	defer span.End()

	now := e.now()
	if num, ok := recentDuplicate(conv, payload.Item, now); ok {
		slog.Info("order reused within duplicate window", "conversation_id", conv.ID, "order_number", num)
		span.SetAttributes(attribute.String("order.path", "soft_dedup"), attribute.String("order.number", num))
		return num, nil
	}

	num, path, err := e.createExactlyOnce(ctx, conv, payload, now)
	if err != nil && path != "fallback" {
		slog.Warn("order creation failed, trying direct creation", "conversation_id", conv.ID, "err", err)
		num, err = e.create(ctx, conv, payload, now, true)
		path = "fallback"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order creation failed")
		return "", fmt.Errorf("orders: Create: %w", err)
	}
	span.SetAttributes(attribute.String("order.path", path), attribute.String("order.number", num))
	return num, nil
}

func (e *Engine) createExactlyOnce(ctx context.Context, conv *domain.Conversation, payload domain.OrderConfirmation, now time.Time) (string, string, error) {
	bucket := BucketKey(payload.Phone, payload.Item, now)
	err := e.store.CreateOrderLock(ctx, bucket, repository.OrderLock{
		ConversationID: conv.ID,
		Item:           payload.Item,
		CreatedAt:      now,
	})
	switch {
	case err == nil:
		num, err := e.create(ctx, conv, payload, now, false)
		return num, "primary", err
	case errors.Is(err, repository.ErrAlreadyExists):
		if num, ok := e.awaitPeer(ctx, conv, payload.Item, now); ok {
			slog.Info("order created by concurrent worker", "conversation_id", conv.ID, "order_number", num)
			return num, "peer", nil
		}
		slog.Warn("order lock held but no order visible, creating directly",
			"conversation_id", conv.ID, "bucket", bucket)
		num, err := e.create(ctx, conv, payload, now, true)
		return num, "fallback", err
	default:
		return "", "lock", err
	}
}

// awaitPeer re-reads the conversation until the lock winner's order shows up.
func (e *Engine) awaitPeer(ctx context.Context, conv *domain.Conversation, item string, now time.Time) (string, bool) {
	fresh, err := backoff.Retry(ctx, func() (domain.Conversation, error) {
		c, err := e.store.GetConversation(ctx, conv.ID)
		if err != nil {
			return domain.Conversation{}, err
		}
		if _, ok := recentDuplicate(&c, item, now); !ok {
			return domain.Conversation{}, errPeerPending
		}
		return c, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(e.peerInterval)), backoff.WithMaxTries(e.peerTries))
	if err != nil {
		return "", false
	}
	num, _ := recentDuplicate(&fresh, item, now)
	for _, o := range fresh.Orders {
		if o.Number == num {
			conv.Orders = appendSummary(conv.Orders, o)
		}
	}
	return num, true
}

func (e *Engine) create(ctx context.Context, conv *domain.Conversation, payload domain.OrderConfirmation, now time.Time, fallback bool) (string, error) {
	seq, err := e.store.NextSequence(ctx, string(e.source))
	if err != nil {
		return "", err
	}
	order := domain.Order{
		Number:         domain.FormatOrderNumber(e.prefix, seq),
		Source:         e.source,
		ConversationID: conv.ID,
		CreatedAt:      now,
		ClientName:     payload.ClientName,
		Phone:          payload.Phone,
		Address:        payload.Address,
		Item:           payload.Item,
		Total:          payload.Total,
		DeliveryPrice:  payload.DeliveryPrice,
		ScheduledTime:  payload.ScheduledTime,
		ETAMinutes:     payload.ETAMinutes,
		Instructions:   payload.Instructions,
		PaymentMethod:  payload.PaymentMethod,
		PaymentStatus:  domain.PaymentPending,
		Fallback:       fallback,
	}
	if order.PaymentMethod == "" {
		order.PaymentMethod = domain.PaymentBankTransfer
	}
	if conv.Delivery.MapConfirmed {
		if order.DeliveryPrice == 0 {
			order.DeliveryPrice = conv.Delivery.Price
		}
		if order.ETAMinutes == 0 {
			order.ETAMinutes = conv.Delivery.ETAMinutes
		}
	}

	if err := e.store.SaveOrder(ctx, order); err != nil {
		return "", err
	}
	conv.Orders = appendSummary(conv.Orders, domain.OrderSummary{
		Number:    order.Number,
		CreatedAt: order.CreatedAt,
		Item:      order.Item,
	})
	slog.Info("order created", "conversation_id", conv.ID, "order_number", order.Number, "fallback", fallback)

	e.deductStock(ctx, &order)
	if e.notifier != nil {
		text := FormatNotification(order)
		e.runner.Go(ctx, "order-notify", func(ctx context.Context) error {
			return e.notifier.Notify(ctx, text)
		})
	}
	return order.Number, nil
}

func (e *Engine) deductStock(ctx context.Context, order *domain.Order) {
	if e.stock == nil {
		return
	}
	p, ok, err := e.stock.Match(ctx, order.Item)
	if err != nil || !ok {
		slog.Warn("no catalog product for order item", "order_number", order.Number, "item", order.Item, "err", err)
		return
	}
	if err := e.stock.DeductStock(ctx, p.ID, 1); err != nil {
		slog.Warn("stock deduction failed", "order_number", order.Number, "product_id", p.ID, "err", err)
		return
	}
	if err := e.store.MarkStockUpdated(ctx, order.Number, p.ID); err != nil {
		slog.Warn("stock flag not recorded", "order_number", order.Number, "err", err)
		return
	}
	order.ProductID, order.StockUpdated = p.ID, true
}

// SetPaymentStatus moves a pending order to confirmed or failed.
func (e *Engine) SetPaymentStatus(ctx context.Context, number string, status domain.PaymentStatus) error {
	if !domain.PaymentPending.CanTransition(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	err := e.store.UpdatePaymentStatus(ctx, number, domain.PaymentPending, status)
	if err == nil {
		slog.Info("payment status updated", "order_number", number, "status", status)
		return nil
	}
	if !errors.Is(err, repository.ErrConditionFailed) {
		return fmt.Errorf("orders: SetPaymentStatus: %w", err)
	}
	current, gerr := e.store.GetOrder(ctx, number)
	if errors.Is(gerr, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, number)
	}
	if gerr != nil {
		return fmt.Errorf("orders: SetPaymentStatus: %w", gerr)
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, number, current.PaymentStatus)
}

// BucketKey derives the order-creation lock key from the phone digits, the
// current minute and a hash of the normalized item.
func BucketKey(phone, item string, now time.Time) string {
	var digits strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(NormalizeItem(item)))
	return fmt.Sprintf("%s#%d#%s", digits.String(), now.Truncate(time.Minute).Unix(), hex.EncodeToString(sum[:])[:16])
}

// NormalizeItem lowercases and collapses whitespace for item comparison.
func NormalizeItem(item string) string {
	return strings.Join(strings.Fields(strings.ToLower(item)), " ")
}

// recentDuplicate reports the conversation's last order when it is for the
// same item and was created within DuplicateWindow of now. Older orders are
// never matched, so X then Y then X again creates a new order.
func recentDuplicate(conv *domain.Conversation, item string, now time.Time) (string, bool) {
	last, ok := conv.LastOrder()
	if !ok || NormalizeItem(last.Item) != NormalizeItem(item) {
		return "", false
	}
	if age := now.Sub(last.CreatedAt); age < 0 || age > DuplicateWindow {
		return "", false
	}
	return last.Number, true
}

func appendSummary(orders []domain.OrderSummary, s domain.OrderSummary) []domain.OrderSummary {
	for _, o := range orders {
		if o.Number == s.Number {
			return orders
		}
	}
	return append(orders, s)
}

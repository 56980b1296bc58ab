package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"commerce-agent/internal/admission"
	"commerce-agent/internal/batch"
	"commerce-agent/internal/debounce"
	"commerce-agent/internal/delivery"
	"commerce-agent/internal/domain"
	"commerce-agent/internal/reply"
)

// ---------------------------------------------------------------------------
// conversation store
// ---------------------------------------------------------------------------

type memConversations struct {
	mu        sync.Mutex
	convs     map[string]domain.Conversation
	saves     int
	consumed  []string
	getErr    error
	saveErr   error
	manualErr error
	// manualAfterGet flips manual mode on once the conversation has been read,
	// simulating an operator taking over mid-pass.
	manualAfterGet bool
}

func newMemConversations() *memConversations {
	return &memConversations{convs: map[string]domain.Conversation{}}
}

func (m *memConversations) put(c domain.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = c
}

func (m *memConversations) get(id string) domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs[id]
}

func (m *memConversations) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Conversation{}, m.getErr
	}
	c, ok := m.convs[id]
	if !ok {
		c = domain.Conversation{ID: id}
	}
	if m.manualAfterGet {
		stored := c
		stored.ManualMode = true
		m.convs[id] = stored
	}
	c.History = append([]domain.Turn(nil), c.History...)
	c.Orders = append([]domain.OrderSummary(nil), c.Orders...)
	return c, nil
}

func (m *memConversations) GetManualMode(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manualErr != nil {
		return false, m.manualErr
	}
	return m.convs[id].ManualMode, nil
}

func (m *memConversations) SaveProgress(_ context.Context, conv domain.Conversation, consumed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.consumed = append(m.consumed, consumed)
	stored, ok := m.convs[conv.ID]
	if !ok {
		stored = domain.Conversation{ID: conv.ID}
	}
	stored.History = append([]domain.Turn(nil), conv.History...)
	stored.Orders = append([]domain.OrderSummary(nil), conv.Orders...)
	stored.LastActive = conv.LastActive
	if consumed != "" && stored.OperatorInstruction == consumed {
		stored.OperatorInstruction = ""
	}
	m.convs[conv.ID] = stored
	return nil
}

func (m *memConversations) SetDelivery(_ context.Context, id string, d domain.DeliveryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	c, ok := m.convs[id]
	if !ok {
		c = domain.Conversation{ID: id}
	}
	c.Delivery = d
	m.convs[id] = c
	return nil
}

// ---------------------------------------------------------------------------
// messenger
// ---------------------------------------------------------------------------

type recordingSender struct {
	mu      sync.Mutex
	texts   []string
	images  []string
	textErr error
	imgErr  error
}

func (s *recordingSender) SendText(_ context.Context, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.textErr != nil {
		return s.textErr
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSender) SendImage(_ context.Context, _, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.imgErr != nil {
		return s.imgErr
	}
	s.images = append(s.images, url)
	return nil
}

// ---------------------------------------------------------------------------
// catalog
// ---------------------------------------------------------------------------

type stubCatalog struct {
	products map[string]domain.Product
	err      error
	calls    int
}

func (c *stubCatalog) Products(_ context.Context) ([]domain.Product, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]domain.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	return out, nil
}

func (c *stubCatalog) Lookup(_ context.Context, id string) (domain.Product, bool, error) {
	if c.err != nil {
		return domain.Product{}, false, c.err
	}
	p, ok := c.products[id]
	return p, ok, nil
}

// ---------------------------------------------------------------------------
// pipeline collaborators
// ---------------------------------------------------------------------------

type stubGate struct {
	result admission.Result
	calls  int
}

func (g *stubGate) Check(_ context.Context, _ string) admission.Result {
	g.calls++
	if g.result.Decision == "" {
		return admission.Result{Decision: admission.Proceed}
	}
	return g.result
}

type stubLocker struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	releases int
}

func newStubLocker() *stubLocker { return &stubLocker{held: map[string]string{}} }

func (l *stubLocker) TryAcquire(_ context.Context, id, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if _, ok := l.held[id]; ok {
		return false, nil
	}
	l.held[id] = owner
	return true, nil
}

func (l *stubLocker) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	delete(l.held, id)
	return nil
}

func (l *stubLocker) isHeld(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}

type stubBatches struct {
	frags    map[string][]domain.Fragment
	drainErr error
	trimmed  []int64
	clears   int
}

func (b *stubBatches) Drain(_ context.Context, id string) (batch.Drained, error) {
	if b.drainErr != nil {
		return batch.Drained{}, b.drainErr
	}
	frags := append([]domain.Fragment(nil), b.frags[id]...)
	return batch.Drained{Fragments: frags, Entries: int64(len(frags))}, nil
}

func (b *stubBatches) Trim(_ context.Context, id string, n int64) (int64, error) {
	if n > 0 {
		b.trimmed = append(b.trimmed, n)
		b.frags[id] = b.frags[id][min(int(n), len(b.frags[id])):]
	}
	return int64(len(b.frags[id])), nil
}

func (b *stubBatches) Clear(_ context.Context, id string) error {
	b.clears++
	delete(b.frags, id)
	return nil
}

type stubDebouncer struct {
	decision    debounce.Decision
	rescheduled []time.Duration
	err         error
}

func (d *stubDebouncer) Decide(_ []domain.Fragment, _ time.Time) debounce.Decision {
	return d.decision
}

func (d *stubDebouncer) Reschedule(_ context.Context, _ string, delay time.Duration) error {
	d.rescheduled = append(d.rescheduled, delay)
	return d.err
}

type stubReplies struct {
	text     string
	fallback bool
	err      error
	requests []reply.Request
	// during runs inside Generate, standing in for work that races the model
	// call.
	during func()
}

func (r *stubReplies) Generate(_ context.Context, req reply.Request) (reply.Reply, error) {
	r.requests = append(r.requests, req)
	if r.during != nil {
		r.during()
	}
	if r.err != nil {
		return reply.Reply{}, r.err
	}
	return reply.Reply{Text: r.text, Fallback: r.fallback}, nil
}

type stubEscalator struct {
	reasons []string
}

func (e *stubEscalator) Escalate(_ context.Context, conv *domain.Conversation, reason, _ string) domain.EscalationEvent {
	e.reasons = append(e.reasons, reason)
	conv.ManualMode = true
	conv.EscalationReason = reason
	return domain.EscalationEvent{Reason: reason, NotifyScheduled: true, Verified: true}
}

type stubOrders struct {
	number   string
	err      error
	payloads []domain.OrderConfirmation
}

func (o *stubOrders) Create(_ context.Context, conv *domain.Conversation, p domain.OrderConfirmation) (string, error) {
	o.payloads = append(o.payloads, p)
	if o.err != nil {
		return "", o.err
	}
	conv.Orders = append(conv.Orders, domain.OrderSummary{Number: o.number, Item: p.Item})
	return o.number, nil
}

type stubTasks struct {
	waits int
}

func (t *stubTasks) Wait(_ context.Context) error {
	t.waits++
	return nil
}

type stubQuoter struct {
	quote delivery.Quote
	err   error
}

func (q stubQuoter) Quote(_, _ float64) (delivery.Quote, error) {
	return q.quote, q.err
}

// ---------------------------------------------------------------------------
// in-memory redis and sqs for end-to-end pipeline tests
// ---------------------------------------------------------------------------

type memRedis struct {
	mu     sync.Mutex
	values map[string]string
	lists  map[string][]string
}

func newMemRedis() *memRedis {
	return &memRedis{values: map[string]string{}, lists: map[string][]string{}}
}

func (r *memRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		switch s := v.(type) {
		case string:
			r.lists[key] = append(r.lists[key], s)
		case []byte:
			r.lists[key] = append(r.lists[key], string(s))
		default:
			return redis.NewIntResult(0, errors.New("memredis: unsupported value type"))
		}
	}
	return redis.NewIntResult(int64(len(r.lists[key])), nil)
}

func (r *memRedis) Expire(ctx context.Context, key string, _ time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lists[key]
	return redis.NewBoolResult(ok, nil)
}

func (r *memRedis) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.lists[key]
	n := int64(len(list))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return redis.NewStringSliceResult([]string{}, nil)
	}
	return redis.NewStringSliceResult(append([]string(nil), list[start:stop+1]...), nil)
}

func (r *memRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stop != -1 {
		return redis.NewStatusResult("", errors.New("memredis: only LTRIM key n -1 is supported"))
	}
	list := r.lists[key]
	if start >= int64(len(list)) {
		delete(r.lists, key)
	} else {
		r.lists[key] = list[start:]
	}
	return redis.NewStatusResult("OK", nil)
}

func (r *memRedis) LLen(ctx context.Context, key string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return redis.NewIntResult(int64(len(r.lists[key])), nil)
}

func (r *memRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := r.values[k]; ok {
			delete(r.values, k)
			n++
		}
		if _, ok := r.lists[k]; ok {
			delete(r.lists, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (r *memRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	switch v := value.(type) {
	case string:
		r.values[key] = v
	default:
		r.values[key] = "1"
	}
	return redis.NewBoolResult(true, nil)
}

func (r *memRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (r *memRedis) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.values[key]
	return ok
}

type memQueue struct {
	mu   sync.Mutex
	sent []*sqs.SendMessageInput
}

func (q *memQueue) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sent)
}

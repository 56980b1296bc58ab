// Package escalation moves a conversation between automatic replies and
// human handling.
//
// AUTO→MANUAL is safety critical: the flag is written, read back, and written
// once more if the read-back disagrees. MANUAL→AUTO is an operator action and
// simply clears the flag.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"commerce-agent/internal/domain"
)

// ErrNotVerified is returned when manual mode could not be read back after
// writing it.
var ErrNotVerified = errors.New("escalation: manual mode not verified")

const (
	DefaultReason     = "customer requested a manager"
	OperatorReason    = "paused by operator"
	defaultRetryDelay = 500 * time.Millisecond
	historyPreview    = 3
	previewChars      = 100
)

// tbilisi has no DST, so a fixed zone avoids depending on tzdata in Lambda.
var tbilisi = time.FixedZone("Asia/Tbilisi", 4*60*60)

type Store interface {
	SetManualMode(ctx context.Context, conversationID, reason string, at time.Time) error
	GetManualMode(ctx context.Context, conversationID string) (bool, error)
	ClearManualMode(ctx context.Context, conversationID string, at time.Time) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Runner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

type Machine struct {
	store      Store
	notifier   Notifier
	runner     Runner
	now        func() time.Time
	retryDelay time.Duration
}

type Option func(*Machine)

func WithRetryDelay(d time.Duration) Option {
	return func(m *Machine) {
		m.retryDelay = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a Machine. notifier may be nil, in which case escalations are
// only persisted.
func New(store Store, notifier Notifier, runner Runner, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, errors.New("escalation: store must not be nil")
	}
	if runner == nil {
		return nil, errors.New("escalation: runner must not be nil")
	}
	m := &Machine{
		store:      store,
		notifier:   notifier,
		runner:     runner,
		now:        time.Now,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Escalate switches conv to manual mode. It never fails: persistence problems
// are logged and reflected in the returned event's Verified flag, and conv is
// marked manual in memory either way.
func (m *Machine) Escalate(ctx context.Context, conv *domain.Conversation, reason, customerMessage string) domain.EscalationEvent {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultReason
	}
	at := m.now()
	ev := domain.EscalationEvent{Reason: reason, Timestamp: at}

	if m.notifier != nil {
		text := FormatAlert(conv, reason, customerMessage, at)
		id := conv.ID
		m.runner.Go(ctx, "escalation-notify", func(ctx context.Context) error {
			if err := m.notifier.Notify(ctx, text); err != nil {
				return fmt.Errorf("escalation: notify operator for %s: %w", id, err)
			}
			return nil
		})
		ev.NotifyScheduled = true
	}

	ev.Verified = m.persist(ctx, conv.ID, reason, at)
	if !ev.Verified {
		slog.Error("manual mode could not be verified; bot may keep replying",
			"conversation_id", conv.ID, "reason", reason, "critical", true)
	}

	conv.ManualMode = true
	conv.ManualModeEnabledAt = at
	conv.EscalationReason = reason
	conv.NeedsAttention = true
	return ev
}

func (m *Machine) persist(ctx context.Context, id, reason string, at time.Time) bool {
	if m.writeAndVerify(ctx, id, reason, at) {
		return true
	}
	slog.Warn("manual mode verification failed, retrying", "conversation_id", id)

	t := time.NewTimer(m.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	return m.writeAndVerify(ctx, id, reason, at)
}

func (m *Machine) writeAndVerify(ctx context.Context, id, reason string, at time.Time) bool {
	if err := m.store.SetManualMode(ctx, id, reason, at); err != nil {
		slog.Warn("manual mode write failed", "conversation_id", id, "err", err)
		return false
	}
	on, err := m.store.GetManualMode(ctx, id)
	if err != nil {
		slog.Warn("manual mode read-back failed", "conversation_id", id, "err", err)
		return false
	}
	return on
}

// Pause switches a conversation to manual mode on an operator's request. It
// uses the same write-and-verify path as Escalate but sends no alert, and it
// fails when the flag could not be verified.
func (m *Machine) Pause(ctx context.Context, conversationID, reason string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("escalation: conversation id must not be empty")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = OperatorReason
	}
	if !m.persist(ctx, conversationID, reason, m.now()) {
		return fmt.Errorf("escalation: Pause %s: %w", conversationID, ErrNotVerified)
	}
	slog.Info("conversation paused by operator", "conversation_id", conversationID, "reason", reason)
	return nil
}

// Resume returns the conversation to automatic replies.
func (m *Machine) Resume(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("escalation: conversation id must not be empty")
	}
	if err := m.store.ClearManualMode(ctx, conversationID, m.now()); err != nil {
		return fmt.Errorf("escalation: Resume: %w", err)
	}
	slog.Info("conversation resumed", "conversation_id", conversationID)
	return nil
}

// FormatAlert renders the operator notification in Telegram HTML.
func FormatAlert(conv *domain.Conversation, reason, customerMessage string, at time.Time) string {
	var b strings.Builder
	b.WriteString("🔔 <b>საჭიროა მენეჯერის დახმარება!</b>\n\n")
	fmt.Fprintf(&b, "⏰ <b>დრო:</b> %s\n", at.In(tbilisi).Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "🆔 <b>ID:</b> <code>%s</code>\n\n", html.EscapeString(conv.ID))
	fmt.Fprintf(&b, "❓ <b>მიზეზი:</b>\n%s\n\n", html.EscapeString(reason))
	fmt.Fprintf(&b, "💬 <b>მომხმარებლის შეტყობინება:</b>\n%s\n", html.EscapeString(customerMessage))

	history := conv.History
	if len(history) > historyPreview {
		history = history[len(history)-historyPreview:]
	}
	if len(history) > 0 {
		b.WriteString("\n📝 <b>ბოლო საუბარი:</b>\n")
		for _, t := range history {
			icon := "🤖"
			if t.Role == domain.RoleUser {
				icon = "👤"
			}
			fmt.Fprintf(&b, "%s %s\n", icon, html.EscapeString(preview(t.Content.Text)))
		}
	}

	fmt.Fprintf(&b, "\n🔗 <a href=\"%s\">Open chat</a>", ChatLink(conv.ID))
	return b.String()
}

// ChatLink points the operator at the conversation inbox.
func ChatLink(conversationID string) string {
	if id, ok := strings.CutPrefix(conversationID, "IG_"); ok {
		return "https://www.instagram.com/direct/t/" + id
	}
	return "https://www.facebook.com/messages/t/" + conversationID
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewChars {
		return s
	}
	return string(r[:previewChars]) + "..."
}

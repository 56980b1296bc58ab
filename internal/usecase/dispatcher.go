package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"commerce-agent/internal/domain"
	"commerce-agent/internal/observability"
)

const (
	maxMessageChars      = 2000
	defaultHistoryWindow = 40
)

type Sender interface {
	SendText(ctx context.Context, recipientID, text string) error
	SendImage(ctx context.Context, recipientID, imageURL string) error
}

type ProgressWriter interface {
	SaveProgress(ctx context.Context, conv domain.Conversation, consumedInstruction string) error
}

type ProductLookup interface {
	Lookup(ctx context.Context, id string) (domain.Product, bool, error)
}

// Outgoing is one processed batch ready to be delivered.
type Outgoing struct {
	UserContent domain.Content
	ReplyText   string
	ImageIDs    []string
	At          time.Time
}

// Dispatcher sends replies and persists the conversation afterwards.
type Dispatcher struct {
	sender        Sender
	store         ProgressWriter
	products      ProductLookup
	historyWindow int
}

func NewDispatcher(sender Sender, store ProgressWriter, products ProductLookup, historyWindow int) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: progress writer must not be nil")
	}
	if products == nil {
		return nil, errors.New("usecase: product lookup must not be nil")
	}
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	return &Dispatcher{sender: sender, store: store, products: products, historyWindow: historyWindow}, nil
}

// Dispatch sends images in order, then the text in chunks, then saves the
// conversation. The user turn is always recorded; the assistant turn only
// when the text was delivered. A send failure is returned after the save.
func (d *Dispatcher) Dispatch(ctx context.Context, conv *domain.Conversation, out Outgoing) error {
	log := observability.Logger(ctx).With("conversation_id", conv.ID)

	for _, id := range out.ImageIDs {
		p, ok, err := d.products.Lookup(ctx, id)
		if err != nil || !ok || p.ImageURL == "" {
			log.Warn("image directive for unknown product", "product_id", id, "err", err)
			continue
		}
		if err := d.sender.SendImage(ctx, conv.ID, p.ImageURL); err != nil {
			log.Warn("image send failed", "product_id", id, "err", err)
		}
	}

	var sendErr error
	for _, chunk := range SplitMessage(out.ReplyText, maxMessageChars) {
		if err := d.sender.SendText(ctx, conv.ID, chunk); err != nil {
			sendErr = err
			break
		}
	}

	if err := appendUserTurn(conv, out.UserContent, out.At); err != nil {
		return err
	}
	if sendErr == nil && strings.TrimSpace(out.ReplyText) != "" {
		conv.History = append(conv.History, domain.Turn{
			Role:      domain.RoleAssistant,
			Content:   domain.TextContent(out.ReplyText),
			Timestamp: out.At,
		})
	}
	if err := d.Persist(ctx, conv, out.At); err != nil {
		return err
	}
	if sendErr != nil {
		return fmt.Errorf("usecase: send reply: %w", sendErr)
	}
	return nil
}

// Persist trims history and saves the fields owned by the processor. The
// operator instruction loaded with conv counts as consumed; the store keeps
// any different instruction written since.
func (d *Dispatcher) Persist(ctx context.Context, conv *domain.Conversation, at time.Time) error {
	conv.History = domain.TrimHistory(conv.History, d.historyWindow)
	conv.LastActive = at
	if err := d.store.SaveProgress(ctx, *conv, conv.OperatorInstruction); err != nil {
		return fmt.Errorf("usecase: save conversation: %w", err)
	}
	conv.OperatorInstruction = ""
	return nil
}

// appendUserTurn records the batch as one user turn.
func appendUserTurn(conv *domain.Conversation, c domain.Content, at time.Time) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("usecase: user content: %w", err)
	}
	switch c.Kind {
	case domain.ContentText:
		if strings.TrimSpace(c.Text) == "" {
			return nil
		}
	case domain.ContentTextWithAttachments:
	default:
		return fmt.Errorf("usecase: unhandled content kind %q", c.Kind)
	}
	conv.History = append(conv.History, domain.Turn{Role: domain.RoleUser, Content: c, Timestamp: at})
	return nil
}

// SplitMessage breaks text into chunks of at most limit runes, preferring
// paragraph, line and word boundaries.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		head := string(runes[:limit])
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(head, sep); i > 0 {
				cut = i
				break
			}
		}
		if cut < 0 {
			cut = len(head)
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

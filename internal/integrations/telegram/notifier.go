// Package telegram delivers operator alerts to a Telegram chat.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// maxMessageLen is Telegram's limit for a single text message.
const maxMessageLen = 4096

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// botAPI is the subset of *telego.Bot used by Notifier.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type credentials struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chatId"`
}

// Notifier sends HTML-formatted messages to the operator chat. Bot credentials
// are read from the parameter store on first use; a failed read is retried on
// the next call.
type Notifier struct {
	getter     Getter
	paramName  string
	httpClient *http.Client
	newBot     func(token string) (botAPI, error)

	mu     sync.Mutex
	bot    botAPI
	chatID int64
}

type Option func(*Notifier)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(n *Notifier) {
		n.httpClient = httpClient
	}
}

func New(ps Getter, paramPrefix string, opts ...Option) (*Notifier, error) {
	if ps == nil {
		return nil, errors.New("telegram: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	n := &Notifier{
		getter:     ps,
		paramName:  paramPrefix + "/telegram",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.newBot == nil {
		n.newBot = func(token string) (botAPI, error) {
			return telego.NewBot(token, telego.WithHTTPClient(n.httpClient))
		}
	}
	return n, nil
}

// Notify sends text (Telegram HTML subset) to the configured chat.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("telegram: text must not be empty")
	}
	bot, chatID, err := n.resolve(ctx)
	if err != nil {
		return err
	}
	msg := tu.Message(tu.ID(chatID), truncate(text, maxMessageLen)).WithParseMode(telego.ModeHTML)
	if _, err := bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

func (n *Notifier) resolve(ctx context.Context) (botAPI, int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bot != nil {
		return n.bot, n.chatID, nil
	}

	raw, err := n.getter.GetParameter(ctx, n.paramName)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram: fetch credentials: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, 0, fmt.Errorf("telegram: unmarshal credentials: %w", err)
	}
	if creds.Token == "" || creds.ChatID == 0 {
		return nil, 0, errors.New("telegram: credentials must include token and chatId")
	}
	bot, err := n.newBot(creds.Token)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram: create bot: %w", err)
	}
	n.bot, n.chatID = bot, creds.ChatID
	return bot, creds.ChatID, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

// Package messenger sends replies through the Graph API Send API. Messenger
// and Instagram recipients share the endpoint; Instagram conversation ids are
// stored with an IG_ prefix and use their own page token.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InstagramPrefix marks conversation ids that belong to Instagram.
const InstagramPrefix = "IG_"

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("messenger: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type sendRequest struct {
	Recipient     recipient `json:"recipient"`
	Message       message   `json:"message"`
	MessagingType string    `json:"messaging_type"`
}

type recipient struct {
	ID string `json:"id"`
}

type message struct {
	Text       string      `json:"text,omitempty"`
	Attachment *attachment `json:"attachment,omitempty"`
}

type attachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type attachmentPayload struct {
	URL        string `json:"url"`
	IsReusable bool   `json:"is_reusable"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

// cachedToken holds a token once it has been fetched successfully. Failed
// fetches are not remembered, so the next send tries again.
type cachedToken struct {
	mu    sync.RWMutex
	token string
}

func (t *cachedToken) get(ctx context.Context, fetch func(ctx context.Context) (string, error)) (string, error) {
	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return t.token, nil
	}
	token, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	return token, nil
}

// Client posts messages to the Send API. Outbound calls share a rate limiter.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	limiter     *rate.Limiter

	page      cachedToken
	instagram cachedToken
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit caps outbound sends to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("messenger: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("messenger: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://graph.facebook.com/v21.0",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		limiter:     rate.NewLimiter(rate.Limit(20), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendText delivers a text message to the recipient.
func (c *Client) SendText(ctx context.Context, recipientID, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("messenger: text must not be empty")
	}
	return c.send(ctx, recipientID, message{Text: text})
}

// SendImage delivers an image attachment referenced by URL.
func (c *Client) SendImage(ctx context.Context, recipientID, imageURL string) error {
	if strings.TrimSpace(imageURL) == "" {
		return errors.New("messenger: image url must not be empty")
	}
	return c.send(ctx, recipientID, message{Attachment: &attachment{
		Type:    "image",
		Payload: attachmentPayload{URL: imageURL, IsReusable: true},
	}})
}

func (c *Client) send(ctx context.Context, recipientID string, msg message) error {
	id, instagram := SplitRecipient(recipientID)
	if id == "" {
		return errors.New("messenger: recipient must not be empty")
	}
	token, err := c.resolveToken(ctx, instagram)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("messenger: rate limiter: %w", err)
	}

	body, err := json.Marshal(sendRequest{
		Recipient:     recipient{ID: id},
		Message:       msg,
		MessagingType: "RESPONSE",
	})
	if err != nil {
		return fmt.Errorf("messenger: marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/me/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"?access_token="+url.QueryEscape(token), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messenger: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("messenger: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		// endpoint, not the request URL: the token must not end up in logs
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}

// SplitRecipient strips the Instagram prefix and reports whether it was present.
func SplitRecipient(conversationID string) (string, bool) {
	id := strings.TrimSpace(conversationID)
	if strings.HasPrefix(id, InstagramPrefix) {
		return strings.TrimPrefix(id, InstagramPrefix), true
	}
	return id, false
}

func (c *Client) resolveToken(ctx context.Context, instagram bool) (string, error) {
	if instagram {
		return c.instagram.get(ctx, func(ctx context.Context) (string, error) {
			return c.fetchToken(ctx, c.paramPrefix+"/instagram-page-access-token")
		})
	}
	return c.page.get(ctx, func(ctx context.Context) (string, error) {
		return c.fetchToken(ctx, c.paramPrefix+"/page-access-token")
	})
}

func (c *Client) fetchToken(ctx context.Context, name string) (string, error) {
	raw, err := c.getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("messenger: fetch token %q: %w", name, err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("messenger: unmarshal token %q: %w", name, err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("messenger: token %q is empty", name)
	}
	return tp.Token, nil
}

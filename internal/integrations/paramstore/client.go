package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned when the parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers should depend on this interface rather than the concrete *Client
// so they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type cachedValue struct {
	value     string
	fetchedAt time.Time
}

// Client wraps an AWS SSM API for parameter retrieval. With a cache TTL set,
// values are reused across invocations of a warm Lambda until they expire, so
// operators can change prompts and settings without a redeploy.
type Client struct {
	api ssmAPI
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedValue
}

type Option func(*Client)

// WithCacheTTL enables in-process caching of parameter values.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{api: api, now: time.Now, cache: map[string]cachedValue{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	if v, ok := c.cached(name); ok {
		return v, nil
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	value := *out.Parameter.Value
	c.store(name, value)
	return value, nil
}

// GetJSON fetches a parameter and decodes its JSON value into out.
func (c *Client) GetJSON(ctx context.Context, name string, out any) error {
	raw, err := c.GetParameter(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("paramstore: decode %q: %w", name, err)
	}
	return nil
}

func (c *Client) cached(name string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[name]
	if !ok || c.now().Sub(v.fetchedAt) >= c.ttl {
		return "", false
	}
	return v.value, true
}

func (c *Client) store(name, value string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = map[string]cachedValue{}
	}
	c.cache[name] = cachedValue{value: value, fetchedAt: c.now()}
}

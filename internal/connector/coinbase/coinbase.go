// Package coinbase implements the Coinbase retail-account connector over the
// signed v2 REST API.
package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"ledgersync/internal/connector"
)

// Name is the registry key.
const Name = "coinbase"

const defaultBaseURL = "https://api.coinbase.com"

// Coinbase allows 10000 req/hour per key; 2 req/s stays comfortably under.
const requestsPerSecond = 2

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 1 * time.Second
	defaultMaxDelay   = 15 * time.Second
)

// Connector fetches Coinbase account history. The v2 API exposes a single
// per-account transaction feed, so all record kinds arrive in the core phase
// and the remaining phases are empty.
type Connector struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	pacer     *connector.Pacer
	clock     func() time.Time
}

// Option configures a Connector.
type Option func(*Connector)

// WithBaseURL points the connector at a different host, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *Connector) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) { c.client = hc }
}

// WithPacer overrides the default rate limiter.
func WithPacer(p *connector.Pacer) Option {
	return func(c *Connector) { c.pacer = p }
}

// New builds a connector bound to one account's credentials.
func New(creds connector.Credentials, opts ...Option) (*Connector, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("coinbase: missing credentials")
	}
	c := &Connector{
		baseURL:   defaultBaseURL,
		apiKey:    creds.APIKey,
		apiSecret: creds.APISecret,
		client:    &http.Client{Timeout: defaultTimeout},
		pacer:     connector.NewPacer(requestsPerSecond, 4),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register installs the connector factory.
func Register(r *connector.Registry) {
	r.Register(Name, func(creds connector.Credentials) (connector.Connector, error) {
		return New(creds)
	})
}

func (c *Connector) Name() string { return Name }

// sign computes CB-ACCESS-SIGN: hex HMAC-SHA256 over timestamp + method +
// requestPath.
func (c *Connector) sign(timestamp, method, requestPath string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + method + requestPath))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs one signed GET with retries. requestPath includes the query
// string, matching what the signature covers.
func (c *Connector) get(ctx context.Context, requestPath string) (gjson.Result, error) {
	delay := defaultRetryDelay
	var lastErr error

	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return gjson.Result{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > defaultMaxDelay {
				delay = defaultMaxDelay
			}
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return gjson.Result{}, err
		}

		timestamp := strconv.FormatInt(c.clock().Unix(), 10)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("CB-ACCESS-KEY", c.apiKey)
		req.Header.Set("CB-ACCESS-SIGN", c.sign(timestamp, http.MethodGet, requestPath))
		req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("CB-VERSION", "2024-01-01")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			continue
		}

		doc := gjson.ParseBytes(body)
		if resp.StatusCode != http.StatusOK {
			if msg := doc.Get("errors.0.message"); msg.Exists() {
				return gjson.Result{}, fmt.Errorf("coinbase %s: %s", requestPath, msg.String())
			}
			return gjson.Result{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}
		return doc, nil
	}

	return gjson.Result{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

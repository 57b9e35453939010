// Package kraken implements the Kraken spot-account connector over the
// venue's signed private REST API.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"ledgersync/internal/connector"
)

// Name is the registry key.
const Name = "kraken"

const defaultBaseURL = "https://api.kraken.com"

// Kraken's private-API counter decays slowly; one request per second keeps a
// full-history sync inside the starter tier.
const requestsPerSecond = 1

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
	defaultMaxDelay   = 30 * time.Second
)

// Connector fetches Kraken account history. All endpoints share one signed
// POST client; history endpoints paginate with the "ofs" offset.
type Connector struct {
	baseURL   string
	apiKey    string
	apiSecret []byte // base64-decoded
	client    *http.Client
	pacer     *connector.Pacer
	nonce     func() int64
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

// New builds a connector bound to one account's credentials. The API secret
// is the base64 string Kraken issues.
func New(creds connector.Credentials, opts ...Option) (*Connector, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("kraken: missing credentials")
	}
	secret, err := base64.StdEncoding.DecodeString(creds.APISecret)
	if err != nil {
		return nil, fmt.Errorf("kraken: decode api secret: %w", err)
	}
	c := &Connector{
		baseURL:   defaultBaseURL,
		apiKey:    creds.APIKey,
		apiSecret: secret,
		client:    &http.Client{Timeout: defaultTimeout},
		pacer:     connector.NewPacer(requestsPerSecond, 2),
		nonce:     func() int64 { return time.Now().UnixNano() },
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

// sign computes API-Sign: HMAC-SHA512 over path + SHA256(nonce + body),
// keyed with the decoded secret.
func (c *Connector) sign(path, nonce, body string) string {
	inner := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, c.apiSecret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// call performs one signed private-API POST with retries. Kraken reports
// failures in the "error" array of an HTTP 200 response; those are permanent
// except for the rate-limit code.
func (c *Connector) call(ctx context.Context, method string, params url.Values) (gjson.Result, error) {
	path := "/0/private/" + method
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

		form := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				form.Add(k, v)
			}
		}
		nonce := strconv.FormatInt(c.nonce(), 10)
		form.Set("nonce", nonce)
		body := form.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
		if err != nil {
			return gjson.Result{}, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", c.apiKey)
		req.Header.Set("API-Sign", c.sign(path, nonce, body))

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		doc := gjson.ParseBytes(respBody)
		if errs := doc.Get("error").Array(); len(errs) > 0 {
			msg := errs[0].String()
			if strings.Contains(msg, "Rate limit") {
				lastErr = fmt.Errorf("kraken %s: %s", method, msg)
				continue
			}
			return gjson.Result{}, fmt.Errorf("kraken %s: %s", method, msg)
		}
		return doc.Get("result"), nil
	}

	return gjson.Result{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// normalizeAsset maps Kraken's asset codes (XXBT, ZUSD, ETH2.S) to plain
// symbols.
func normalizeAsset(code string) string {
	code = strings.ToUpper(code)
	// Staked variants carry a .S / .M / .F suffix.
	if i := strings.IndexByte(code, '.'); i > 0 {
		code = code[:i]
	}
	if len(code) == 4 && (code[0] == 'X' || code[0] == 'Z') {
		code = code[1:]
	}
	switch code {
	case "XBT":
		return "BTC"
	case "XDG":
		return "DOGE"
	}
	return code
}

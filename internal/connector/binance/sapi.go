package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Default configuration values.
const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 1 * time.Second
	defaultMaxDelay   = 10 * time.Second
	defaultRecvWindow = 5000
)

// sapiClient performs signed GET requests against Binance SAPI endpoints the
// SDK has no stable wrappers for. Responses are returned as gjson documents
// so callers probe exactly the fields they need.
type sapiClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
}

func newSAPIClient(baseURL, apiKey, apiSecret string, client *http.Client) *sapiClient {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &sapiClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		client:     client,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		maxDelay:   defaultMaxDelay,
	}
}

func (c *sapiClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs a signed GET with retries and exponential backoff. Vendor API
// errors ({"code":..., "msg":...}) are not retried.
func (c *sapiClient) get(ctx context.Context, path string, params url.Values) (gjson.Result, error) {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return gjson.Result{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		signed := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				signed.Add(k, v)
			}
		}
		signed.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		signed.Set("recvWindow", strconv.Itoa(defaultRecvWindow))
		query := signed.Encode()
		query += "&signature=" + c.sign(query)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)

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
		if code := doc.Get("code"); code.Exists() && code.Int() != 0 && code.Int() != 200 {
			// Vendor errors are permanent for a given request.
			return gjson.Result{}, &apiError{Code: code.Int(), Message: doc.Get("msg").String(), Path: path}
		}
		if resp.StatusCode != http.StatusOK {
			return gjson.Result{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}
		return doc, nil
	}

	return gjson.Result{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// apiError is a vendor-reported SAPI error.
type apiError struct {
	Code    int64
	Message string
	Path    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance %s: code %d: %s", e.Path, e.Code, e.Message)
}

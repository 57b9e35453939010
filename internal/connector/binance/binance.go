// Package binance implements the Binance spot-account connector.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"ledgersync/internal/connector"
	"ledgersync/internal/domain"
)

// Name is the registry key.
const Name = "binance"

const defaultBaseURL = "https://api.binance.com"

// Binance weight limits allow far more, but account-data endpoints are
// heavily weighted; 10 req/s keeps a full-history sync under the ban line.
const requestsPerSecond = 10

// quoteAssets are the quote currencies trade symbols are probed against.
var quoteAssets = []string{"USDT", "USDC", "BTC", "ETH", "BNB"}

// seedAssets are always part of the asset universe.
var seedAssets = []string{"BTC", "ETH", "BNB", "USDT", "USDC"}

// Connector fetches Binance spot account history. Well-supported endpoints
// go through the official SDK; the long tail of SAPI history endpoints goes
// through the signed sapiClient.
type Connector struct {
	api   *gobinance.Client
	sapi  *sapiClient
	pacer *connector.Pacer
}

// Option configures a Connector.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	pacer      *connector.Pacer
}

// WithBaseURL points the connector at a different API host, e.g. a test
// server.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom http.Client for both the SDK and SAPI paths.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPacer overrides the default rate limiter.
func WithPacer(p *connector.Pacer) Option {
	return func(o *options) { o.pacer = p }
}

// New builds a connector bound to one account's credentials.
func New(creds connector.Credentials, opts ...Option) (*Connector, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("binance: missing credentials")
	}
	o := options{baseURL: defaultBaseURL}
	for _, opt := range opts {
		opt(&o)
	}

	api := gobinance.NewClient(creds.APIKey, creds.APISecret)
	api.BaseURL = o.baseURL
	if o.httpClient != nil {
		api.HTTPClient = o.httpClient
	}

	pacer := o.pacer
	if pacer == nil {
		pacer = connector.NewPacer(requestsPerSecond, requestsPerSecond)
	}

	return &Connector{
		api:   api,
		sapi:  newSAPIClient(o.baseURL, creds.APIKey, creds.APISecret, o.httpClient),
		pacer: pacer,
	}, nil
}

// Register installs the connector factory.
func Register(r *connector.Registry) {
	r.Register(Name, func(creds connector.Credentials) (connector.Connector, error) {
		return New(creds)
	})
}

func (c *Connector) Name() string { return Name }

// FetchPhase dispatches to the per-phase fetchers.
func (c *Connector) FetchPhase(ctx context.Context, phase int, opts connector.FetchOptions) (*connector.PhaseResult, error) {
	switch phase {
	case connector.PhaseCore:
		return c.fetchCore(ctx, opts)
	case connector.PhaseConversions:
		return c.fetchConversions(ctx, opts)
	case connector.PhasePassive:
		return c.fetchPassive(ctx, opts)
	case connector.PhaseMargin:
		return c.fetchMargin(ctx, opts)
	default:
		return nil, fmt.Errorf("binance: unknown phase %d", phase)
	}
}

// TestConnection verifies credentials with an account snapshot request.
func (c *Connector) TestConnection(ctx context.Context) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.api.NewGetAccountService().Do(ctx); err != nil {
		return fmt.Errorf("binance: account probe: %w", err)
	}
	return nil
}

// FetchBalances returns spot balances for every asset with a non-zero total.
func (c *Connector) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: account: %w", err)
	}

	var out []domain.Balance
	for _, b := range account.Balances {
		bal := domain.Balance{
			Asset:  strings.ToUpper(b.Asset),
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		}
		if bal.Total().IsZero() {
			continue
		}
		out = append(out, bal)
	}
	return out, nil
}

// FetchDepositAddresses returns the current deposit address for each asset
// the account holds. Assets without a default-network address are skipped.
func (c *Connector) FetchDepositAddresses(ctx context.Context) ([]domain.DepositAddress, error) {
	balances, err := c.FetchBalances(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.DepositAddress
	for _, b := range balances {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		params := url.Values{}
		params.Set("coin", b.Asset)
		doc, err := c.sapi.get(ctx, "/sapi/v1/capital/deposit/address", params)
		if err != nil {
			if _, vendor := asAPIError(err); vendor {
				continue // asset not depositable
			}
			return out, err
		}
		addr := doc.Get("address").String()
		if addr == "" {
			continue
		}
		out = append(out, domain.DepositAddress{
			Asset:   b.Asset,
			Network: doc.Get("network").String(),
			Address: addr,
		})
	}
	return out, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

var (
	_ connector.Connector             = (*Connector)(nil)
	_ connector.BalanceFetcher        = (*Connector)(nil)
	_ connector.DepositAddressFetcher = (*Connector)(nil)
)

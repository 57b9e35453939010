// Package connector defines the per-exchange fetch contract and the shared
// machinery every connector builds on: endpoint isolation, rate limiting,
// window pagination and asset-universe discovery.
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"ledgersync/internal/domain"
)

// Phases group related endpoints. Endpoints within a phase run in a fixed
// order because later endpoints depend on assets discovered earlier.
const (
	PhaseCore        = 1 // trades, deposits, withdrawals
	PhaseConversions = 2 // convert, dust sweeps, c2c
	PhasePassive     = 3 // staking, interest, dividends, mining
	PhaseMargin      = 4 // borrow, repay, margin interest, liquidations
	MaxPhase         = 4
)

// FetchOptions carries the resume state for one phase call.
type FetchOptions struct {
	// Since bounds the fetch: records before this unix-ms timestamp are
	// not requested. Zero means full history.
	Since int64

	// Cursor is the connector-private resume state for this phase, as
	// persisted after the previous run. Nil on the first run.
	Cursor json.RawMessage

	// FullSync requests a re-fetch from scratch for this phase only.
	FullSync bool
}

// EndpointError is one isolated endpoint failure inside a phase.
type EndpointError struct {
	Endpoint string
	Err      error
}

func (e EndpointError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

// PhaseResult is the outcome of one phase call. Errors are endpoint-scoped
// and non-fatal: a failed endpoint never aborts its phase.
type PhaseResult struct {
	Phase   int
	Records []*domain.ExchangeRecord
	Cursor  json.RawMessage
	Errors  []EndpointError
}

// Run executes one endpoint under the isolating guard: an error or panic is
// recorded in Errors and execution continues with the next endpoint.
func (r *PhaseResult) Run(endpoint string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Errors = append(r.Errors, EndpointError{
				Endpoint: endpoint,
				Err:      fmt.Errorf("panic: %v", rec),
			})
		}
	}()

	if err := fn(); err != nil {
		r.Errors = append(r.Errors, EndpointError{Endpoint: endpoint, Err: err})
	}
}

// Add appends records to the result.
func (r *PhaseResult) Add(records ...*domain.ExchangeRecord) {
	r.Records = append(r.Records, records...)
}

// Connector fetches raw activity from one exchange in declared phases.
// Implementations are stateless between calls: all resume state lives in the
// cursor handed back through PhaseResult.
type Connector interface {
	// Name returns the registry key, e.g. "binance".
	Name() string

	// FetchPhase fetches one phase. The returned cursor replaces the
	// phase's cursor subtree even when Errors is non-empty, so progress
	// made by healthy endpoints survives a partial failure.
	FetchPhase(ctx context.Context, phase int, opts FetchOptions) (*PhaseResult, error)

	// TestConnection verifies credentials with a cheap authenticated call.
	TestConnection(ctx context.Context) error
}

// BalanceFetcher is an optional connector capability: real-time balances.
type BalanceFetcher interface {
	FetchBalances(ctx context.Context) ([]domain.Balance, error)
}

// DepositAddressFetcher is an optional connector capability: the venue's
// current deposit addresses, used for address-based classification.
type DepositAddressFetcher interface {
	FetchDepositAddresses(ctx context.Context) ([]domain.DepositAddress, error)
}

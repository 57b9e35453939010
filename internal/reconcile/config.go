package reconcile

import "time"

// Config tunes the matching heuristics. Windows are asymmetric: an on-chain
// send precedes the exchange deposit it funds by at most the confirmation
// delay, while an exchange withdrawal can take much longer to land on chain.
type Config struct {
	// DepositLookbackMs bounds how far before an exchange deposit the
	// matching on-chain send may sit.
	DepositLookbackMs int64

	// WithdrawalLookaheadMs bounds how far after an exchange withdrawal the
	// matching on-chain receive may sit.
	WithdrawalLookaheadMs int64

	// AmountTolerance rejects candidates whose relative amount difference
	// exceeds it (fees shrink the received side slightly).
	AmountTolerance float64

	// AmountWeight and TimeWeight combine the two normalized differences
	// into the candidate score. Lower score wins.
	AmountWeight float64
	TimeWeight   float64

	// OffRampWindowMs bounds how soon after a matched deposit a sale must
	// occur to raise an off-ramp review item.
	OffRampWindowMs int64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		DepositLookbackMs:     2 * int64(time.Hour/time.Millisecond),
		WithdrawalLookaheadMs: 6 * int64(time.Hour/time.Millisecond),
		AmountTolerance:       0.02,
		AmountWeight:          0.7,
		TimeWeight:            0.3,
		OffRampWindowMs:       48 * int64(time.Hour/time.Millisecond),
	}
}

package domain

import "time"

// CostBasisMethod selects the lot-matching rule for disposals.
type CostBasisMethod string

const (
	MethodFIFO CostBasisMethod = "FIFO"
	MethodLIFO CostBasisMethod = "LIFO"
	MethodWAC  CostBasisMethod = "WAC" // weighted average cost
)

// PortfolioSnapshot is the aggregate cost-basis result for one
// (user, asset, method, taxYear) key. Upserts fully supersede the prior
// value for the key.
type PortfolioSnapshot struct {
	UserID  string
	AssetID string
	Method  CostBasisMethod
	TaxYear int

	ProceedsUSD       float64
	CostBasisUSD      float64
	GainShortTermUSD  float64
	GainLongTermUSD   float64
	DisposalCount     int
	RemainingQuantity string // decimal string, holdings left after replay
	RemainingCostUSD  float64

	Stale      bool
	ComputedAt time.Time
}

// ReviewItemStatus tracks manual-review queue entries.
type ReviewItemStatus string

const (
	ReviewPending  ReviewItemStatus = "PENDING"
	ReviewResolved ReviewItemStatus = "RESOLVED"
)

// ReviewItem is a heuristic finding awaiting a human decision. Off-ramp
// detection produces these instead of automatic tax events.
type ReviewItem struct {
	ID            int64
	UserID        string
	Kind          string // "OFF_RAMP"
	TransactionID string // the exchange deposit that triggered the finding
	RelatedTxID   string // the follow-up sale
	Detail        string
	Status        ReviewItemStatus
	CreatedAt     time.Time
}

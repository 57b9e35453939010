package costbasis

import (
	"github.com/shopspring/decimal"

	"ledgersync/internal/domain"
)

// epsilon is the residual below which a lot counts as exhausted; it absorbs
// decimal dust from venue rounding.
var epsilon = decimal.NewFromFloat(1e-9)

// lot is one acquisition. Ephemeral: pools are rebuilt from durable history
// on every run and never persisted.
type lot struct {
	remaining   decimal.Decimal
	costPerUnit float64
	acquiredAt  int64
}

// consumed is a slice of a lot eaten by a disposal.
type consumed struct {
	amount      decimal.Decimal
	costPerUnit float64
	acquiredAt  int64
}

// lotPool holds the open lots of one (asset, method) replay. FIFO consumes
// oldest first, LIFO newest first. WAC keeps per-lot acquisition dates for
// the holding-period split but prices every consumption at the pool's
// running weighted-average unit cost.
type lotPool struct {
	method domain.CostBasisMethod
	lots   []lot

	// WAC running totals.
	poolQty  decimal.Decimal
	poolCost float64
}

func newLotPool(method domain.CostBasisMethod) *lotPool {
	return &lotPool{method: method, poolQty: decimal.Zero}
}

func (p *lotPool) acquire(amount decimal.Decimal, costPerUnit float64, ts int64) {
	if amount.Cmp(epsilon) <= 0 {
		return
	}
	p.lots = append(p.lots, lot{remaining: amount, costPerUnit: costPerUnit, acquiredAt: ts})
	if p.method == domain.MethodWAC {
		amt, _ := amount.Float64()
		p.poolQty = p.poolQty.Add(amount)
		p.poolCost += amt * costPerUnit
	}
}

// dispose consumes amount from the pool and reports the consumed slices.
// Disposing more than held yields a final zero-basis slice for the excess.
func (p *lotPool) dispose(amount decimal.Decimal, ts int64) []consumed {
	var out []consumed
	left := amount

	for left.Cmp(epsilon) > 0 {
		l := p.next()
		if l == nil {
			// Over-disposal: history is incomplete upstream. Zero basis
			// keeps the replay total-preserving instead of failing.
			out = append(out, consumed{amount: left, costPerUnit: 0, acquiredAt: ts})
			break
		}
		take := decimal.Min(left, l.remaining)
		out = append(out, consumed{
			amount:      take,
			costPerUnit: p.unitCost(l),
			acquiredAt:  l.acquiredAt,
		})
		l.remaining = l.remaining.Sub(take)
		if l.remaining.Cmp(epsilon) <= 0 {
			l.remaining = decimal.Zero
		}
		left = left.Sub(take)

		if p.method == domain.MethodWAC {
			amt, _ := take.Float64()
			p.poolCost -= amt * p.unitCostWAC()
			p.poolQty = p.poolQty.Sub(take)
			if p.poolQty.Cmp(epsilon) <= 0 {
				p.poolQty = decimal.Zero
				p.poolCost = 0
			}
		}
	}
	return out
}

// next returns the open lot the method consumes from, nil when exhausted.
func (p *lotPool) next() *lot {
	if p.method == domain.MethodLIFO {
		for i := len(p.lots) - 1; i >= 0; i-- {
			if p.lots[i].remaining.Cmp(epsilon) > 0 {
				return &p.lots[i]
			}
		}
		return nil
	}
	for i := range p.lots {
		if p.lots[i].remaining.Cmp(epsilon) > 0 {
			return &p.lots[i]
		}
	}
	return nil
}

func (p *lotPool) unitCost(l *lot) float64 {
	if p.method == domain.MethodWAC {
		return p.unitCostWAC()
	}
	return l.costPerUnit
}

func (p *lotPool) unitCostWAC() float64 {
	qty, _ := p.poolQty.Float64()
	if qty <= 0 {
		return 0
	}
	return p.poolCost / qty
}

// remainingQuantity returns the open quantity across lots.
func (p *lotPool) remainingQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.lots {
		total = total.Add(l.remaining)
	}
	return total
}

// remainingCost returns the USD cost basis of the open quantity.
func (p *lotPool) remainingCost() float64 {
	if p.method == domain.MethodWAC {
		return p.poolCost
	}
	total := 0.0
	for _, l := range p.lots {
		amt, _ := l.remaining.Float64()
		total += amt * l.costPerUnit
	}
	return total
}

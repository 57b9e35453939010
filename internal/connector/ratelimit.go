package connector

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer is a token-bucket throttle shared by every endpoint of one upstream.
// A single pacer per exchange keeps concurrent connections for the same user
// from tripping venue-side bans.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer builds a pacer allowing perSecond sustained requests with the
// given burst headroom.
func NewPacer(perSecond float64, burst int) *Pacer {
	if burst < 1 {
		burst = 1
	}
	return &Pacer{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request slot is available or the context is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.lim.Wait(ctx)
}

package session

import (
	"context"
	"sync"
	"time"
)

// Deribit meters each connection in credits: a pool refills continuously up
// to a burst ceiling, every outbound request spends some of it, and requests
// that reach the matching engine cost an order of magnitude more than the
// rest. The numbers below mirror the venue's published non-subaccount tier.
const (
	creditCeiling      = 50000.0
	creditRefillPerSec = 10000.0

	baseRequestCost    = 500.0
	matchingEngineCost = 5000.0
)

// requestCost returns the credit cost of sending method. Order placement
// and mutation hit the matching engine; everything else is metered at the
// base rate.
func requestCost(method string) float64 {
	switch method {
	case "private/buy", "private/sell", "private/edit", "private/cancel", "private/cancel_all":
		return matchingEngineCost
	}
	return baseRequestCost
}

// creditPool is the refilling credit balance a Session draws from before
// each send.
type creditPool struct {
	mu      sync.Mutex
	credits float64
	ceiling float64
	refill  float64 // credits per second
	last    time.Time
}

func newCreditPool(ceiling, refillPerSecond float64) *creditPool {
	return &creditPool{
		credits: ceiling,
		ceiling: ceiling,
		refill:  refillPerSecond,
		last:    time.Now(),
	}
}

// take blocks until cost credits are available, spends them, and returns.
// It returns early only if ctx is cancelled while waiting.
func (p *creditPool) take(ctx context.Context, cost float64) error {
	for {
		p.mu.Lock()
		now := time.Now()
		p.credits += now.Sub(p.last).Seconds() * p.refill
		if p.credits > p.ceiling {
			p.credits = p.ceiling
		}
		p.last = now

		if p.credits >= cost {
			p.credits -= cost
			p.mu.Unlock()
			return nil
		}

		wait := time.Duration((cost - p.credits) / p.refill * float64(time.Second))
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

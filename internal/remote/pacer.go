package remote

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces successive remote calls by a fixed delay. The first Wait
// returns immediately. Concurrent callers each reserve their own slot.
type Pacer struct {
	delay time.Duration
	now   func() time.Time

	mu   sync.Mutex
	next time.Time
}

// NewPacer returns a pacer; delay <= 0 disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	return &Pacer{delay: delay, now: time.Now}
}

// Wait blocks until the caller's slot comes up or ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.delay <= 0 {
		return nil
	}

	p.mu.Lock()
	now := p.now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.delay)
	p.mu.Unlock()

	return sleepContext(ctx, slot.Sub(now))
}

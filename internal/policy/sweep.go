package policy

import (
	"context"
	"time"
)

// StartSweeper evicts windows whose newest arrival has aged out, every interval,
// until ctx is cancelled. An aged-out window evaluates the same as a missing one,
// so sweeping only bounds memory. interval <= 0 disables sweeping.
func (p *Policy) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				p.sweep(now)
			}
		}
	}()
}

// sweep removes idle windows and returns how many were removed.
func (p *Policy) sweep(now time.Time) int {
	cutoff := now.Add(-p.window)
	removed := 0

	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, w := range p.windows {
		if w.len() == 0 || w.newest().Before(cutoff) {
			delete(p.windows, addr)
			removed++
		}
	}
	return removed
}

// Package listener consumes venue streams: one price listener per pending
// instrument and one order listener per account. Both reconnect on their
// own until their context ends.
package listener

import (
	"context"
	"time"
)

// Backoff doubles a reconnect delay from Min up to Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	cur time.Duration
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Min
	} else {
		b.cur *= 2
	}
	if b.Max > 0 && b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

// Reset starts the sequence over after a healthy connection.
func (b *Backoff) Reset() { b.cur = 0 }

// Wait sleeps for the next delay. It reports false when ctx ended first.
func (b *Backoff) Wait(ctx context.Context) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

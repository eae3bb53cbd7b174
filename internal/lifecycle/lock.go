package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// Locker serializes transitions on one key. Lock blocks until the key is
// free or ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func lockKey(accountID int64, instrument string) string {
	return fmt.Sprintf("position:%d:%s", accountID, instrument)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// DistributedLocker takes the local lock and then a LockManager lease, so
// that listener and poller processes sharing one store do not interleave.
// The lease is extended every ttl/3 while held, so a transition may outlast
// ttl; ttl only bounds how long a crashed holder blocks the key.
type DistributedLocker struct {
	local *LocalLocker
	lm    domain.LockManager
	ttl   time.Duration
	retry time.Duration
}

// NewDistributedLocker wraps lm.
func NewDistributedLocker(lm domain.LockManager, ttl time.Duration) *DistributedLocker {
	return &DistributedLocker{
		local: NewLocalLocker(),
		lm:    lm,
		ttl:   ttl,
		retry: 50 * time.Millisecond,
	}
}

func (d *DistributedLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := d.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	for {
		lease, err := d.lm.Acquire(ctx, key, d.ttl)
		if err == nil {
			stop := d.keepAlive(lease)
			var once sync.Once
			return func() {
				once.Do(func() {
					stop()
					lease.Release()
					unlockLocal()
				})
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			unlockLocal()
			return nil, fmt.Errorf("lifecycle: acquire %s: %w", key, err)
		}

		select {
		case <-time.After(d.retry):
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		}
	}
}

// keepAlive extends lease until the returned stop is called. It gives up
// once the lease is lost.
func (d *DistributedLocker) keepAlive(lease domain.Lease) (stop func()) {
	every := d.ttl / 3
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), every)
				err := lease.Extend(ctx, d.ttl)
				cancel()
				if errors.Is(err, domain.ErrLockHeld) {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

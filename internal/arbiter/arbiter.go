// Package arbiter implements the token pool that caps the number of
// simultaneous active GATT sessions.
//
// The BlueZ stack degrades badly past a handful of concurrent connections,
// so every worker must hold a token before doing active GATT I/O. A counting
// semaphore is the authoritative gate; the free queue carries the actual
// token objects.
package arbiter

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotworks/blegw/internal/gwerr"
)

const (
	// DefaultAcquireTimeout applies when Acquire is called with timeout <= 0.
	DefaultAcquireTimeout = 30 * time.Second

	supervisorInterval = time.Minute
	leakThreshold      = 5 * time.Minute
)

// Token is a permit for one active GATT session. Tokens are owned by the
// arbiter and lent to at most one session at a time.
type Token struct {
	id         uint32
	acquiredAt time.Time
	returned   bool
	valid      bool
}

// ID returns the token's unique id.
func (t *Token) ID() uint32 { return t.id }

// AcquiredAt returns when the token was last handed out, zero when free.
func (t *Token) AcquiredAt() time.Time { return t.acquiredAt }

// Arbiter is a fixed-capacity token pool.
type Arbiter struct {
	capacity int
	sem      chan struct{} // counting semaphore, authoritative gate
	free     chan *Token   // free queue

	mu          sync.Mutex
	outstanding map[uint32]*Token

	logger *logrus.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// DefaultCapacity derives the pool size from the host: max(2, cores/2).
func DefaultCapacity() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	return n
}

// New creates an arbiter with the given capacity (<= 0 selects
// DefaultCapacity) and starts the leak supervisor. Call Close at shutdown.
func New(capacity int, logger *logrus.Logger) *Arbiter {
	if capacity <= 0 {
		capacity = DefaultCapacity()
	}
	if logger == nil {
		logger = logrus.New()
	}

	a := &Arbiter{
		capacity:    capacity,
		sem:         make(chan struct{}, capacity),
		free:        make(chan *Token, capacity),
		outstanding: make(map[uint32]*Token),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	for id := uint32(1); id <= uint32(capacity); id++ {
		a.free <- &Token{id: id, valid: true}
		a.sem <- struct{}{}
	}

	a.wg.Add(1)
	go a.superviseLeaks()

	return a
}

// Capacity returns the fixed number of tokens in circulation.
func (a *Arbiter) Capacity() int { return a.capacity }

// Available returns the current number of free permits.
func (a *Arbiter) Available() int { return len(a.sem) }

// Acquire waits for a free token up to the given timeout. The context cancels
// the wait early. Timeout <= 0 selects DefaultAcquireTimeout.
func (a *Arbiter) Acquire(ctx context.Context, timeout time.Duration) (*Token, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.sem:
	case <-timer.C:
		return nil, gwerr.New(gwerr.Timeout, "no token became available within %s", timeout)
	case <-ctx.Done():
		return nil, gwerr.FromContext(ctx.Err())
	}

	// A permit normally guarantees a token in the free queue, but a foreign
	// release credits the semaphore without depositing one, so the pop must
	// observe the deadline as well.
	var tok *Token
	select {
	case tok = <-a.free:
	case <-timer.C:
		a.creditPermit()
		return nil, gwerr.New(gwerr.Timeout, "no token became available within %s", timeout)
	case <-ctx.Done():
		a.creditPermit()
		return nil, gwerr.FromContext(ctx.Err())
	}
	tok.acquiredAt = time.Now()
	tok.returned = false

	a.mu.Lock()
	a.outstanding[tok.id] = tok
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"token_id":  tok.id,
		"available": len(a.sem),
	}).Debug("Token acquired")

	return tok, nil
}

// Release returns a token to the pool.
//
// A foreign or invalid token fails with Invalid, but the semaphore is still
// credited so a bookkeeping bug cannot deadlock the gateway. A second release
// of the same token is detected and rejected without crediting anything.
func (a *Arbiter) Release(tok *Token) error {
	if tok == nil {
		return gwerr.New(gwerr.Invalid, "nil token")
	}

	a.mu.Lock()
	if tok.returned {
		a.mu.Unlock()
		return gwerr.New(gwerr.Invalid, "token %d already returned", tok.id)
	}
	known, ok := a.outstanding[tok.id]
	if !ok || known != tok || !tok.valid {
		a.mu.Unlock()
		a.creditPermit()
		return gwerr.New(gwerr.Invalid, "token %d was not lent by this arbiter", tok.id)
	}
	tok.returned = true
	tok.acquiredAt = time.Time{}
	delete(a.outstanding, tok.id)
	a.mu.Unlock()

	a.free <- tok
	a.creditPermit()

	a.logger.WithFields(logrus.Fields{
		"token_id":  tok.id,
		"available": len(a.sem),
	}).Debug("Token released")

	return nil
}

// creditPermit increments the semaphore without ever blocking or exceeding
// capacity.
func (a *Arbiter) creditPermit() {
	select {
	case a.sem <- struct{}{}:
	default:
	}
}

// Close stops the leak supervisor. Outstanding tokens are left with their
// holders.
func (a *Arbiter) Close() {
	close(a.stopCh)
	a.wg.Wait()
}

// superviseLeaks wakes once a minute and flags tokens held past the leak
// threshold. Leaked tokens are logged, never reclaimed: reclaiming would pull
// the permit out from under a live session.
func (a *Arbiter) superviseLeaks() {
	defer a.wg.Done()

	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.reportLeaks(time.Now())
		}
	}
}

func (a *Arbiter) reportLeaks(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tok := range a.outstanding {
		if held := now.Sub(tok.acquiredAt); held > leakThreshold {
			a.logger.WithFields(logrus.Fields{
				"token_id": tok.id,
				"held_for": held.Round(time.Second),
			}).Warn("Token held past leak threshold, possible leak")
		}
	}
}

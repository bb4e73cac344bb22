package canrelay

import (
	"context"
	"sync"
	"time"
)

// claim is a frame handed to a waiter, stamped with the live-update
// sequence current when the bus reader claimed it.
type claim struct {
	Frame
	seq uint64
}

// waiter is one pending request. The reply slot holds at most one claim
// so delivery never blocks the bus reader.
type waiter struct {
	id    uint64
	match func(Frame) bool
	reply chan claim
}

// correlator pairs received frames with requests waiting for them. Each
// request is keyed by its own predicate so concurrent waits never receive
// each other's replies.
type correlator struct {
	mu      sync.Mutex
	nextID  uint64
	waiters []*waiter
}

func newCorrelator() *correlator {
	return &correlator{}
}

// register adds a waiter for the first frame satisfying match.
func (c *correlator) register(match func(Frame) bool) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	w := &waiter{id: c.nextID, match: match, reply: make(chan claim, 1)}
	c.waiters = append(c.waiters, w)
	return w
}

// release removes a waiter and returns the claim it was handed, if any.
// Once release returns no further claim can arrive, so a reply that raced
// the caller's timeout is still returned rather than dropped.
func (c *correlator) release(w *waiter) (claim, bool) {
	c.mu.Lock()
	c.remove(w.id)
	c.mu.Unlock()

	select {
	case r := <-w.reply:
		return r, true
	default:
		return claim{}, false
	}
}

// remove deletes a waiter by id. Caller holds c.mu.
func (c *correlator) remove(id uint64) {
	for i, w := range c.waiters {
		if w.id == id {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// offer hands a frame to the oldest matching waiter. It reports whether
// the frame was claimed.
func (c *correlator) offer(f Frame, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range c.waiters {
		if !w.match(f) {
			continue
		}
		w.reply <- claim{Frame: f, seq: seq}
		c.remove(w.id)
		return true
	}
	return false
}

// pending returns the number of registered waiters.
func (c *correlator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// await registers match, runs send, and blocks until a matching frame
// arrives, the timeout elapses, or ctx is cancelled. The waiter is
// registered before sending so a fast reply cannot be missed.
func (c *correlator) await(ctx context.Context, timeout time.Duration, match func(Frame) bool, send func() error) (claim, error) {
	w := c.register(match)

	if err := send(); err != nil {
		c.release(w)
		return claim{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.reply:
		return r, nil
	case <-timer.C:
		if r, ok := c.release(w); ok {
			return r, nil
		}
		return claim{}, ErrTimeout
	case <-ctx.Done():
		if r, ok := c.release(w); ok {
			return r, nil
		}
		return claim{}, ctx.Err()
	}
}

package lock

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff bounds for waiting acquisitions.
const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// backoff produces exponentially growing, jittered retry delays.
type backoff struct {
	attempt int
}

func newBackoff() *backoff {
	return &backoff{}
}

// next returns the delay before the following retry: base doubling per
// attempt, capped, with up to 25% jitter to spread waiters racing for the
// same release.
func (b *backoff) next() time.Duration {
	d := backoffBase << b.attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	} else {
		b.attempt++
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

// reset drops back to the base delay, used after a wakeup signal so a
// waiter re-checks promptly.
func (b *backoff) reset() {
	b.attempt = 0
}

// waiter is one parked acquisition. Its channel carries at most one
// pending signal; further signals coalesce.
type waiter struct {
	ch chan struct{}
}

func (w *waiter) signaled() <-chan struct{} { return w.ch }

func (w *waiter) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// waitList tracks parked acquisitions per resource so release events wake
// exactly the waiters that care.
type waitList struct {
	mu    sync.Mutex
	byRes map[string][]*waiter
}

func newWaitList() *waitList {
	return &waitList{byRes: make(map[string][]*waiter)}
}

func (l *waitList) add(resourceID string) *waiter {
	w := &waiter{ch: make(chan struct{}, 1)}
	l.mu.Lock()
	l.byRes[resourceID] = append(l.byRes[resourceID], w)
	l.mu.Unlock()
	return w
}

func (l *waitList) remove(resourceID string, w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	waiters := l.byRes[resourceID]
	for i, candidate := range waiters {
		if candidate == w {
			l.byRes[resourceID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(l.byRes[resourceID]) == 0 {
		delete(l.byRes, resourceID)
	}
}

// signal wakes every waiter parked on resourceID.
func (l *waitList) signal(resourceID string) {
	l.mu.Lock()
	waiters := make([]*waiter, len(l.byRes[resourceID]))
	copy(waiters, l.byRes[resourceID])
	l.mu.Unlock()

	for _, w := range waiters {
		w.signal()
	}
}

// signalAll wakes every parked waiter. Used on session expiry, which may
// have released locks on any number of resources.
func (l *waitList) signalAll() {
	l.mu.Lock()
	var waiters []*waiter
	for _, ws := range l.byRes {
		waiters = append(waiters, ws...)
	}
	l.mu.Unlock()

	for _, w := range waiters {
		w.signal()
	}
}

// waitingOn reports how many waiters are parked on resourceID.
func (l *waitList) waitingOn(resourceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byRes[resourceID])
}

package app

import (
	"sync"
	"time"
)

// JoinLimiter bounds how many join requests one connection may issue per
// interval. Every accepted join makes the swarm re-announce, so a client
// flipping rooms in a loop would flood the DHT.
type JoinLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

// NewJoinLimiter returns nil when limit <= 0; a nil limiter allows all.
func NewJoinLimiter(limit int, interval time.Duration) *JoinLimiter {
	if limit <= 0 {
		return nil
	}
	return &JoinLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (l *JoinLimiter) Allow(id string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.interval)

	attempts := l.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= l.limit {
		l.history[id] = fresh
		return false
	}
	l.history[id] = append(fresh, now)
	return true
}

func (l *JoinLimiter) Forget(id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, id)
}

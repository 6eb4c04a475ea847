package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client entry survives before pruning.
const staleAfter = 10 * time.Minute

// ipLimiter rate-limits unauthenticated endpoints per client IP. Signup and
// login run bcrypt, so they must not be free to hammer.
type ipLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	return &ipLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		clients: make(map[string]*client),
	}
}

// Allow reports whether the given IP may proceed. Safe for concurrent use.
func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
		l.prune(now)
	}
	c.lastSeen = now
	return c.limiter.Allow()
}

// prune drops entries not seen recently. Called with mu held, only when a
// new IP shows up, so steady traffic never pays for it.
func (l *ipLimiter) prune(now time.Time) {
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, ip)
		}
	}
}

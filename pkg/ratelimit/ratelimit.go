// Package ratelimit is the token-bucket limiter in front of dispatch, keyed
// by caller identity (connection id or remote IP).
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wilhg/hostgate/pkg/errmodel"
)

// DefaultIdleTTL is how long an unused key keeps its bucket.
const DefaultIdleTTL = 10 * time.Minute

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Keyed holds one limiter per key. Safe for concurrent use.
type Keyed struct {
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	keys      map[string]*entry
	lastSweep time.Time
}

// Option configures a Keyed limiter.
type Option func(*Keyed)

// WithIdleTTL sets how long idle keys are kept.
func WithIdleTTL(d time.Duration) Option {
	return func(k *Keyed) {
		if d > 0 {
			k.idleTTL = d
		}
	}
}

// WithClock replaces time.Now; used in tests.
func WithClock(now func() time.Time) Option {
	return func(k *Keyed) {
		if now != nil {
			k.now = now
		}
	}
}

// New allows perSecond events per key with the given burst. perSecond <= 0
// disables limiting.
func New(perSecond float64, burst int, opts ...Option) *Keyed {
	k := &Keyed{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
		keys:    make(map[string]*entry),
	}
	if perSecond <= 0 {
		k.rate = rate.Inf
	}
	if k.burst < 1 {
		k.burst = 1
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Allow reports whether one event for key may happen now.
func (k *Keyed) Allow(key string) bool {
	if k == nil {
		return true
	}
	now := k.now()
	k.mu.Lock()
	k.sweep(now)
	e, ok := k.keys[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(k.rate, k.burst)}
		k.keys[key] = e
	}
	e.seen = now
	k.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

// sweep drops idle keys at most once per idleTTL. Caller holds mu.
func (k *Keyed) sweep(now time.Time) {
	if now.Sub(k.lastSweep) < k.idleTTL {
		return
	}
	k.lastSweep = now
	for key, e := range k.keys {
		if now.Sub(e.seen) >= k.idleTTL {
			delete(k.keys, key)
		}
	}
}

// Middleware rejects requests over the limit with 429 and the errmodel
// envelope. The key is the remote IP.
func (k *Keyed) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.Allow(RemoteIP(r)) {
			w.Header().Set("Retry-After", "1")
			errmodel.WriteHTTP(w, r, errmodel.Policy(errmodel.CodeTooManyRequests, "too many requests", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RemoteIP returns the host part of r.RemoteAddr.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

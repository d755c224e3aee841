package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// AccountRateLimiter throttles requests per authenticated account.
// Idle limiters expire from the cache.
type AccountRateLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	interval time.Duration
	burst    int
}

// NewAccountRateLimiter allows perMinute requests per account with a burst of the same size.
func NewAccountRateLimiter(perMinute int) *AccountRateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return &AccountRateLimiter{
		limiters: cache.New(10*time.Minute, 5*time.Minute),
		interval: time.Minute / time.Duration(perMinute),
		burst:    perMinute,
	}
}

func (l *AccountRateLimiter) limiter(accountID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.limiters.Get(accountID); ok {
		l.limiters.SetDefault(accountID, v)
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Every(l.interval), l.burst)
	l.limiters.SetDefault(accountID, lim)
	return lim
}

// Allow reports whether accountID may make another request now.
func (l *AccountRateLimiter) Allow(accountID string) bool {
	return l.limiter(accountID).Allow()
}

// Middleware rejects over-limit requests with 429. It must run after AuthMiddleware.
func (l *AccountRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountID(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !l.Allow(accountID) {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(l.interval.Seconds()))))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

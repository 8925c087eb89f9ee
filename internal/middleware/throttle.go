package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a token-bucket limiter per client IP. It protects the API as
// a whole; the message cooldown is enforced separately per identity.
type Throttle struct {
	rps    rate.Limit
	burst  int
	idle   time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewThrottle allows rps requests per second with the given burst per IP.
// Visitors idle for longer than idle are forgotten on the next Prune.
func NewThrottle(rps float64, burst int, idle time.Duration, logger *slog.Logger) *Throttle {
	return &Throttle{
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
		logger:   logger,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether a request from ip may proceed now.
func (t *Throttle) Allow(ip string) bool {
	now := t.now()
	t.mu.Lock()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now
	t.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Prune drops visitors idle for longer than the idle window and returns how
// many were removed.
func (t *Throttle) Prune() int {
	cutoff := t.now().Add(-t.idle)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, ip)
			n++
		}
	}
	return n
}

// Handler rejects over-limit requests with 429. It expects chi's RealIP
// middleware to have set RemoteAddr.
func (t *Throttle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !t.Allow(ip) {
			t.logger.Debug("request throttled", slog.String("ip", ip), slog.String("path", r.URL.Path))
			retry := time.Second
			if t.rps > 0 {
				retry = time.Duration(float64(time.Second) / float64(t.rps))
			}
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(retry.Round(time.Second)/time.Second))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"

	"crmsync/internal/app/server/api/http/middleware/auth"
)

const idleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a token bucket per authenticated user, or per remote
// address for anonymous requests. It must run after the auth middleware.
type Limiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
	log       *slog.Logger
}

// PerMinute allows n requests per minute with a burst of n.
func PerMinute(n int, log *slog.Logger) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(time.Minute / time.Duration(n)),
		burst:    n,
		now:      time.Now,
		log:      log.With(slog.String("component", "rate_limiter")),
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > idleTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > idleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *Limiter) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		key := ctx.RemoteAddr()
		if userID, ok := auth.GetUserID(ctx.Context()); ok {
			key = "user:" + strconv.Itoa(userID)
		}

		if !l.Allow(key) {
			l.log.Warn("rate limit exceeded", slog.String("key", key), slog.String("path", ctx.URL().Path))
			ctx.SetHeader("Content-Type", "application/json")
			ctx.SetHeader("Retry-After", strconv.Itoa(int(math.Ceil(1/float64(l.limit)))))
			ctx.SetStatus(http.StatusTooManyRequests)
			_ = json.NewEncoder(ctx.BodyWriter()).Encode(map[string]string{"error": "Too Many Requests"})
			return
		}

		next(ctx)
	}
}

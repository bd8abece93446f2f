package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/agentforms/formchat/internal/audit"
	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/httputil"
	"github.com/agentforms/formchat/internal/util"
)

// LimitChecker is satisfied by service.RateLimiter.
type LimitChecker interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

type IPRateLimitMiddleware struct {
	limiter LimitChecker
	limit   int
	window  time.Duration
	prefix  string
}

func NewIPRateLimitMiddleware(limiter LimitChecker, limit int, window time.Duration, prefix string) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  prefix,
	}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)

		key := fmt.Sprintf("ip:%s:%s", m.prefix, util.HashKey(ip))
		allowed, resetAt := m.limiter.CheckLimit(r.Context(), key, m.limit, m.window)

		if !allowed {
			secondsLeft := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secondsLeft))
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"scope": m.prefix},
			})
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP strips the port from RemoteAddr. chi's RealIP middleware has
// already replaced it with the forwarded address when one was sent.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

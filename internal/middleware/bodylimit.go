package middleware

import (
	"net/http"

	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/httputil"
)

const (
	DefaultMaxBodySize = 256 << 10 // 256KB
)

// BodyLimitMiddleware caps request bodies. A declared Content-Length over
// the cap is refused up front; undeclared bodies fail when the handler reads
// past the cap.
type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}

		if r.ContentLength > m.maxSize {
			httputil.WriteError(w, apperrors.PayloadTooLarge(m.maxSize))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}

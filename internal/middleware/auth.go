package middleware

import (
	"net/http"
	"strings"

	"github.com/agentforms/formchat/internal/audit"
	apperrors "github.com/agentforms/formchat/internal/errors"
	"github.com/agentforms/formchat/internal/httputil"
	"github.com/agentforms/formchat/internal/util"
)

// AdminAuthMiddleware accepts requests whose bearer token matches the
// bcrypt hash in ADMIN_PASSWORD_HASH. With no hash configured every request
// is refused.
type AdminAuthMiddleware struct {
	passwordHash string
}

func NewAdminAuthMiddleware(passwordHash string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{passwordHash: passwordHash}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		if m.passwordHash == "" || !util.CheckPasswordHash(token, m.passwordHash) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAdminAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

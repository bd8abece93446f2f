// Package audit records security-relevant state changes: consent, session
// lifecycle transitions and refused admin or rate-limited requests.
package audit

import (
	"context"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentforms/formchat/internal/util"
)

type EventType string

const (
	EventConsentGranted   EventType = "consent_granted"
	EventConsentRevoked   EventType = "consent_revoked"
	EventSessionOpened    EventType = "session_opened"
	EventSessionCompleted EventType = "session_completed"
	EventSessionAbandoned EventType = "session_abandoned"
	EventAdminAuthFailure EventType = "admin_auth_failure"
	EventRateLimitExceed  EventType = "rate_limit_exceeded"
)

type Event struct {
	Type      EventType
	VisitorID string
	SessionID string
	AgentID   string
	IP        string
	UserAgent string
	Details   map[string]any
}

// Log writes one info line tagged audit=security. Empty identifiers are
// omitted and the client address is masked.
func Log(_ context.Context, event Event) {
	e := log.Info().Str("audit", "security").Str("eventType", string(event.Type))
	e = optStr(e, "visitorId", event.VisitorID)
	e = optStr(e, "sessionId", event.SessionID)
	e = optStr(e, "agentId", event.AgentID)
	if event.IP != "" {
		e = e.Str("ip", util.MaskIP(event.IP))
	}
	e = optStr(e, "userAgent", event.UserAgent)
	if len(event.Details) > 0 {
		e = e.Fields(event.Details)
	}

	e.Msg("audit event")
}

func optStr(e *zerolog.Event, key, value string) *zerolog.Event {
	if value == "" {
		return e
	}
	return e.Str(key, value)
}

// LogFromRequest fills in the caller's address and user agent. RemoteAddr
// is expected to be resolved by chi's RealIP middleware already.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = remoteHost(r.RemoteAddr)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

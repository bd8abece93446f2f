package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func TestLog(t *testing.T) {
	t.Run("writes identifiers and details", func(t *testing.T) {
		buf := captureLog(t)

		Log(context.Background(), Event{
			Type:      EventSessionOpened,
			VisitorID: "v-1",
			SessionID: "s-1",
			AgentID:   "agent_42",
			Details:   map[string]any{"attempt": 1},
		})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "security", entry["audit"])
		assert.Equal(t, "session_opened", entry["eventType"])
		assert.Equal(t, "v-1", entry["visitorId"])
		assert.Equal(t, "s-1", entry["sessionId"])
		assert.Equal(t, "agent_42", entry["agentId"])
		assert.EqualValues(t, 1, entry["attempt"])
	})

	t.Run("omits empty identifiers", func(t *testing.T) {
		buf := captureLog(t)

		Log(context.Background(), Event{Type: EventConsentGranted, VisitorID: "v-1"})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.NotContains(t, entry, "sessionId")
		assert.NotContains(t, entry, "ip")
	})
}

func TestLogFromRequest(t *testing.T) {
	buf := captureLog(t)

	req := httptest.NewRequest("POST", "/v1/admin/sessions/s-1/complete", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("User-Agent", "curl/8")

	LogFromRequest(req, Event{Type: EventAdminAuthFailure})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "admin_auth_failure", entry["eventType"])
	assert.Equal(t, "203.0.0.0", entry["ip"])
	assert.Equal(t, "curl/8", entry["userAgent"])
}

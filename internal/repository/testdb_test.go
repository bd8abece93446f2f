package repository

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentforms/formchat/internal/database"
	"github.com/agentforms/formchat/internal/model"
)

// setupTestDB connects to TEST_DATABASE_URL, applies the schema and empties
// every table. Tests are skipped when the variable is unset.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.Connect(url)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	_, err = db.ExecContext(ctx, `TRUNCATE field_values, messages, sessions, visitors, agents CASCADE`)
	require.NoError(t, err)

	return db
}

func seedAgent(t *testing.T, db *database.DB, id string, fields ...model.Field) {
	t.Helper()
	schema, err := json.Marshal(model.AgentSchema{Fields: fields})
	require.NoError(t, err)
	_, err = db.ExecContext(context.Background(), `
		INSERT INTO agents (id, name, schema, persona, published, status)
		VALUES ($1, $2, $3, '{"tone":"friendly"}', TRUE, 'active')
	`, id, "Agent "+id, string(schema))
	require.NoError(t, err)
}

func seedVisitor(t *testing.T, db *database.DB, fingerprint string) *model.Visitor {
	t.Helper()
	visitor, err := NewVisitorRepository(db.DB).CreateIfAbsent(context.Background(), model.CreateVisitorParams{
		Fingerprint: &fingerprint,
	})
	require.NoError(t, err)
	return visitor
}

package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
)

// ErrActiveSessionExists is returned by SessionRepository.Create when the
// visitor already has an in-progress session with the agent.
var ErrActiveSessionExists = errors.New("active session exists for agent and visitor")

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. This is a common pattern for Find* operations
// where a missing row is not an error condition.
//
// Usage:
//
//	var item model.Item
//	err := r.db.GetContext(ctx, &item, query, args...)
//	return HandleNotFound(&item, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// jsonParam renders raw JSON as text so lib/pq binds it to a JSONB column
// instead of bytea. Empty input falls back to def.
func jsonParam(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

// nullableJSONParam is jsonParam for nullable columns.
func nullableJSONParam(raw *json.RawMessage) any {
	if raw == nil || len(*raw) == 0 {
		return nil
	}
	return string(*raw)
}

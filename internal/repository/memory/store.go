// Package memory is an in-process implementation of the repository
// interfaces. It enforces the same uniqueness and ordering rules as the
// Postgres schema and backs STORE_BACKEND=memory and the service tests.
package memory

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforms/formchat/internal/model"
	"github.com/agentforms/formchat/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	agents   map[string]model.Agent
	visitors map[string]model.Visitor
	// visitorByFingerprint mirrors the UNIQUE(fingerprint) index.
	visitorByFingerprint map[string]string
	sessions             map[string]model.Session
	messages             map[string][]model.Message
	fieldValues          map[string]map[string]model.FieldValue
	seq                  int64

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		agents:               make(map[string]model.Agent),
		visitors:             make(map[string]model.Visitor),
		visitorByFingerprint: make(map[string]string),
		sessions:             make(map[string]model.Session),
		messages:             make(map[string][]model.Message),
		fieldValues:          make(map[string]map[string]model.FieldValue),
		now:                  time.Now,
	}
}

// SetClock replaces the time source. Tests use it to age sessions.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutAgent inserts or replaces a catalog entry.
func (s *Store) PutAgent(agent model.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = model.AgentStatusActive
	}
	if agent.Version == 0 {
		agent.Version = 1
	}
	ts := s.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = ts
	}
	agent.UpdatedAt = ts
	s.agents[agent.ID] = agent
}

func (s *Store) Agents() repository.AgentRepository           { return &agentRepo{s} }
func (s *Store) Visitors() repository.VisitorRepository       { return &visitorRepo{s} }
func (s *Store) Sessions() repository.SessionRepository       { return &sessionRepo{s} }
func (s *Store) Messages() repository.MessageRepository       { return &messageRepo{s} }
func (s *Store) FieldValues() repository.FieldValueRepository { return &fieldValueRepo{s} }

func rawOrDefault(raw json.RawMessage, def string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(def)
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

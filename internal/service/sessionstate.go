package service

import (
	"sync"
)

// recentOpenersCap bounds the anti-repetition ring buffer.
const recentOpenersCap = 5

// SessionState is process-local, ephemeral per-turn state for a single
// session — distinct from the durable, DB-backed ConversationSession.
// Never persisted; lost on restart by design (SPEC_FULL.md §4.N).
type SessionState struct {
	PronounStyle  string
	RecentOpeners []string
	LastAgent     string
	LastTopics    []string
}

// SessionStateStore holds SessionState per server-generated session_id,
// guarded the same way the rate limiter guards its per-user windows: a
// sync.Map of small per-key mutex-protected structs.
type SessionStateStore struct {
	states sync.Map // map[string]*sessionStateEntry
}

type sessionStateEntry struct {
	mu    sync.Mutex
	state SessionState
}

// NewSessionStateStore creates an empty SessionStateStore.
func NewSessionStateStore() *SessionStateStore {
	return &SessionStateStore{}
}

// Get returns a copy of the current state for sessionID, or a zero-value
// SessionState if none exists yet.
func (s *SessionStateStore) Get(sessionID string) SessionState {
	val, ok := s.states.Load(sessionID)
	if !ok {
		return SessionState{}
	}
	entry := val.(*sessionStateEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state
}

// RecordOpener appends an answer's opening phrase to the anti-repetition
// ring, evicting the oldest once the cap is reached.
func (s *SessionStateStore) RecordOpener(sessionID, opener string) {
	entry := s.entryFor(sessionID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.state.RecentOpeners = append(entry.state.RecentOpeners, opener)
	if len(entry.state.RecentOpeners) > recentOpenersCap {
		entry.state.RecentOpeners = entry.state.RecentOpeners[len(entry.state.RecentOpeners)-recentOpenersCap:]
	}
}

// SetPronounStyle updates the pronoun style only on a clear new signal from
// the caller (e.g. the user stated a preference); callers should not call
// this speculatively.
func (s *SessionStateStore) SetPronounStyle(sessionID, style string) {
	entry := s.entryFor(sessionID)
	entry.mu.Lock()
	entry.state.PronounStyle = style
	entry.mu.Unlock()
}

// RecordTurn updates the last-agent and last-topics fields after a turn completes.
func (s *SessionStateStore) RecordTurn(sessionID, agent string, topics []string) {
	entry := s.entryFor(sessionID)
	entry.mu.Lock()
	entry.state.LastAgent = agent
	entry.state.LastTopics = topics
	entry.mu.Unlock()
}

// Forget removes all state for a session (e.g. on session completion).
func (s *SessionStateStore) Forget(sessionID string) {
	s.states.Delete(sessionID)
}

func (s *SessionStateStore) entryFor(sessionID string) *sessionStateEntry {
	val, _ := s.states.LoadOrStore(sessionID, &sessionStateEntry{})
	return val.(*sessionStateEntry)
}

// Package transcript holds the visible conversation log of a session.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind of a conversation message.
type Kind string

// Message kinds.
const (
	Question Kind = "question"
	Answer   Kind = "answer"
)

// Message is one entry in the conversation log.
type Message struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the conversation log used by the orchestrator.
type Store interface {
	Add(kind Kind, content string) Message
	Entries() []Message
	Clear()
	Len() int
}

// MemoryStore keeps the most recent messages in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Message
	maxSize int
	now     func() time.Time
}

// NewStore creates a store that keeps at most maxEntries messages.
func NewStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		entries: make([]Message, 0, min(maxEntries, 16)),
		maxSize: maxEntries,
		now:     time.Now,
	}
}

// Add appends a message and returns it.
func (s *MemoryStore) Add(kind Kind, content string) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   content,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, msg)
	if s.maxSize > 0 && len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
	return msg
}

// Entries returns a copy of the log, oldest first.
func (s *MemoryStore) Entries() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// Clear drops every message.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.entries = s.entries[:0]
	s.mu.Unlock()
}

// Len returns the number of messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

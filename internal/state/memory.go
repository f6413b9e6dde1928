package state

import (
	"context"
	"sync"

	"github.com/HexSleeves/parley/internal/conversation"
)

// MemoryStore keeps conversations for the life of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*conversation.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*conversation.State)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*conversation.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, st *conversation.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ConversationID] = st.Clone()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

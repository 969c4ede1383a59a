package session

import (
	"context"
	"sync"
	"time"

	"fieldhouse/api/internal/llm"
)

type memoryConversation struct {
	messages  []llm.ChatMessage
	expiresAt time.Time
}

// MemoryConversations keeps transcripts in process when Redis is not configured.
type MemoryConversations struct {
	mu    sync.Mutex
	items map[string]memoryConversation
	now   func() time.Time
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{items: map[string]memoryConversation{}, now: time.Now}
}

func (m *MemoryConversations) LoadConversation(_ context.Context, userID string) ([]llm.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[userID]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(item.expiresAt) {
		delete(m.items, userID)
		return nil, nil
	}
	return append([]llm.ChatMessage(nil), item.messages...), nil
}

func (m *MemoryConversations) SaveConversation(_ context.Context, userID string, messages []llm.ChatMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, id)
		}
	}
	m.items[userID] = memoryConversation{
		messages:  append([]llm.ChatMessage(nil), messages...),
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (m *MemoryConversations) ClearConversation(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, userID)
	return nil
}

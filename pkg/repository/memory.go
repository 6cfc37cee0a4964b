package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"realtimeService/pkg/api"
)

// MemoryStorage keeps conversations, messages and calls in process memory.
// It backs local development and tests; nothing survives a restart.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[string]api.Conversation
	messages      map[string]api.Message
	messageOrder  []string
	calls         map[string]api.CallRecord
}

var (
	_ api.ChatRepository = (*MemoryStorage)(nil)
	_ api.CallRepository = (*MemoryStorage)(nil)
)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]api.Conversation),
		messages:      make(map[string]api.Message),
		calls:         make(map[string]api.CallRecord),
	}
}

func (s *MemoryStorage) FindOrCreateConversation(_ context.Context, conversation api.Conversation) (api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conversations[conversation.Id]; ok {
		return existing, nil
	}
	s.conversations[conversation.Id] = conversation
	return conversation, nil
}

func (s *MemoryStorage) GetConversation(_ context.Context, conversationId string) (api.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversation, ok := s.conversations[conversationId]
	if !ok {
		return api.Conversation{}, api.ErrConversationNotFound
	}
	return conversation, nil
}

func (s *MemoryStorage) GetConversations(_ context.Context, partyId string) ([]api.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversations := lo.Filter(lo.Values(s.conversations), func(c api.Conversation, _ int) bool {
		return c.HasParticipant(partyId)
	})
	sort.SliceStable(conversations, func(i, j int) bool {
		return lastActivity(conversations[i]).After(lastActivity(conversations[j]))
	})
	return conversations, nil
}

func (s *MemoryStorage) UpdateLastMessage(_ context.Context, message api.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[message.ConversationId]
	if !ok {
		return api.ErrConversationNotFound
	}
	conversation.LastMessage = message.Content
	conversation.LastMessageAt = message.Timestamp
	s.conversations[conversation.Id] = conversation
	return nil
}

func (s *MemoryStorage) AddMessage(_ context.Context, message api.Message) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message.Id = uuid.NewString()
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	s.messages[message.Id] = message
	s.messageOrder = append(s.messageOrder, message.Id)
	return message, nil
}

func (s *MemoryStorage) GetMessage(_ context.Context, messageId string) (api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[messageId]
	if !ok {
		return api.Message{}, api.ErrMessageNotFound
	}
	return message, nil
}

func (s *MemoryStorage) MarkMessageRead(_ context.Context, messageId string) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[messageId]
	if !ok {
		return api.Message{}, api.ErrMessageNotFound
	}
	if !message.IsRead {
		message.IsRead = true
		s.messages[messageId] = message
	}
	return message, nil
}

func (s *MemoryStorage) GetMessages(_ context.Context, conversationId string, limit int) ([]api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.selectMessages(func(m api.Message) bool { return m.ConversationId == conversationId })
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *MemoryStorage) GetPartyMessages(_ context.Context, partyId string, limit int) ([]api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.selectMessages(func(m api.Message) bool {
		return m.SenderId == partyId || m.ReceiverId == partyId
	})
	// Newest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (s *MemoryStorage) CountUnread(_ context.Context, partyId string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.CountBy(lo.Values(s.messages), func(m api.Message) bool {
		return m.ReceiverId == partyId && !m.IsRead
	}), nil
}

// selectMessages returns matching messages oldest first.
func (s *MemoryStorage) selectMessages(match func(api.Message) bool) []api.Message {
	var messages []api.Message
	for _, id := range s.messageOrder {
		if m := s.messages[id]; match(m) {
			messages = append(messages, m)
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages
}

func (s *MemoryStorage) CreateCall(_ context.Context, call api.CallRecord) (api.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call.Id = uuid.NewString()
	s.calls[call.Id] = call
	return call, nil
}

func (s *MemoryStorage) GetCall(_ context.Context, callId string) (api.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	call, ok := s.calls[callId]
	if !ok {
		return api.CallRecord{}, api.ErrCallNotFound
	}
	return call, nil
}

func (s *MemoryStorage) UpdateCall(_ context.Context, callId string, update func(call *api.CallRecord) error) (api.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callId]
	if !ok {
		return api.CallRecord{}, api.ErrCallNotFound
	}
	if err := update(&call); err != nil {
		return api.CallRecord{}, err
	}
	s.calls[callId] = call
	return call, nil
}

func (s *MemoryStorage) GetPartyCalls(_ context.Context, partyId string, statuses ...api.CallStatus) ([]api.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Filter(lo.Values(s.calls), func(call api.CallRecord, _ int) bool {
		if !call.Involves(partyId) {
			return false
		}
		return len(statuses) == 0 || lo.Contains(statuses, call.Status)
	}), nil
}

func (s *MemoryStorage) DeleteExpiredCalls(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, call := range s.calls {
		if isSweepable(call, before) {
			delete(s.calls, id)
			deleted++
		}
	}
	return deleted, nil
}

// isSweepable reports whether a call expired, or reached a terminal status, before the cutoff.
func isSweepable(call api.CallRecord, before time.Time) bool {
	if call.ExpiresAt.Before(before) {
		return true
	}
	terminal := call.Status == api.CallRejected || call.Status == api.CallEnded
	return terminal && call.UpdatedAt.Before(before)
}

func lastActivity(c api.Conversation) time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

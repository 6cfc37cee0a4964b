package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	defaultSearchLimit  = 50
	defaultHistoryLimit = 100

	// How many recent messages are scanned for search and contact listing.
	partyScanWindow = 1000

	maxContentLength = 5000
)

type ChatRepository interface {
	// FindOrCreateConversation stores conversation unless one already exists under the same id,
	// in which case the stored conversation is returned. Must be safe under concurrent calls.
	FindOrCreateConversation(ctx context.Context, conversation Conversation) (Conversation, error)
	GetConversation(ctx context.Context, conversationId string) (Conversation, error)
	// GetConversations returns the party's conversations, most recent activity first.
	GetConversations(ctx context.Context, partyId string) ([]Conversation, error)
	UpdateLastMessage(ctx context.Context, message Message) error
	AddMessage(ctx context.Context, message Message) (Message, error)
	GetMessage(ctx context.Context, messageId string) (Message, error)
	// MarkMessageRead sets IsRead. Marking an already read message is a no-op.
	MarkMessageRead(ctx context.Context, messageId string) (Message, error)
	// GetMessages returns the latest messages of a conversation, oldest first.
	GetMessages(ctx context.Context, conversationId string, limit int) ([]Message, error)
	// GetPartyMessages returns messages sent or received by the party, newest first.
	GetPartyMessages(ctx context.Context, partyId string, limit int) ([]Message, error)
	CountUnread(ctx context.Context, partyId string) (int, error)
}

type ChatService struct {
	storage      ChatRepository
	profiles     *ProfileService
	log          *slog.Logger
	now          func() time.Time
	searchLimit  int
	historyLimit int
}

func NewChatService(storage ChatRepository, profiles *ProfileService, log *slog.Logger, searchLimit, historyLimit int) *ChatService {
	if searchLimit <= 0 {
		searchLimit = defaultSearchLimit
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &ChatService{
		storage:      storage,
		profiles:     profiles,
		log:          log,
		now:          time.Now,
		searchLimit:  searchLimit,
		historyLimit: historyLimit,
	}
}

// SendMessage stores a message between two parties of the same kind. A recipient
// without a kind is taken to be of the sender's kind.
// No conversation document is created for this kind of thread.
func (c *ChatService) SendMessage(ctx context.Context, sender Party, recipient Party, content string) (Message, error) {
	if err := checkContent(content); err != nil {
		return Message{}, err
	}
	if recipient.Id == "" || recipient.Id == sender.Id {
		return Message{}, fmt.Errorf("%w: invalid recipient", ErrInvalidPayload)
	}
	if recipient.Kind == "" {
		recipient.Kind = sender.Kind
	}
	if recipient.Kind != sender.Kind {
		return Message{}, fmt.Errorf("%w: %s and %s messages go through a conversation", ErrInvalidPayload, sender.Kind, recipient.Kind)
	}

	message, err := c.storage.AddMessage(ctx, Message{
		ConversationId: ConversationKey(DirectConversation, sender.Id, recipient.Id),
		SenderId:       sender.Id,
		ReceiverId:     recipient.Id,
		SenderType:     sender.Kind,
		ReceiverType:   recipient.Kind,
		Content:        content,
		Timestamp:      c.now().UTC(),
		IsRead:         false,
	})
	if err != nil {
		return Message{}, err
	}

	c.log.Debug("Stored direct message", "messageId", message.Id, "senderId", sender.Id)
	return message, nil
}

// SendCrossPartyMessage stores a message in an existing conversation and then
// updates the conversation's last message fields.
func (c *ChatService) SendCrossPartyMessage(ctx context.Context, conversationId string, content string, sender Party) (Message, error) {
	if err := checkContent(content); err != nil {
		return Message{}, err
	}

	conversation, err := c.storage.GetConversation(ctx, conversationId)
	if err != nil {
		return Message{}, err
	}

	receiver, ok := conversation.Counterpart(sender.Id)
	if !ok {
		return Message{}, ErrNotParticipant
	}

	message, err := c.storage.AddMessage(ctx, Message{
		ConversationId: conversation.Id,
		SenderId:       sender.Id,
		ReceiverId:     receiver.Id,
		SenderType:     sender.Kind,
		ReceiverType:   receiver.Kind,
		Content:        content,
		Timestamp:      c.now().UTC(),
		IsRead:         false,
	})
	if err != nil {
		return Message{}, err
	}

	// The message is durable at this point; a stale preview is preferable to failing the send.
	if err := c.storage.UpdateLastMessage(ctx, message); err != nil {
		c.log.Warn("Unable to update conversation last message",
			"conversationId", conversation.Id, "messageId", message.Id, "error", err)
	}

	return message, nil
}

// StartConversation returns the conversation between a and b, creating it on first use.
func (c *ChatService) StartConversation(ctx context.Context, a Party, b Party) (Conversation, error) {
	if a.Id == "" || b.Id == "" || a.Id == b.Id {
		return Conversation{}, fmt.Errorf("%w: a conversation needs two distinct parties", ErrInvalidPayload)
	}
	if !a.Kind.Valid() || !b.Kind.Valid() {
		return Conversation{}, fmt.Errorf("%w: unknown party kind", ErrInvalidPayload)
	}

	return c.storage.FindOrCreateConversation(ctx, NewConversation(a, b, c.now().UTC()))
}

func (c *ChatService) GetConversation(ctx context.Context, conversationId string) (Conversation, error) {
	return c.storage.GetConversation(ctx, conversationId)
}

func (c *ChatService) GetMessage(ctx context.Context, messageId string) (Message, error) {
	return c.storage.GetMessage(ctx, messageId)
}

func (c *ChatService) MarkRead(ctx context.Context, messageId string) (Message, error) {
	if messageId == "" {
		return Message{}, fmt.Errorf("%w: missing message id", ErrInvalidPayload)
	}
	return c.storage.MarkMessageRead(ctx, messageId)
}

func (c *ChatService) GetUnreadCount(ctx context.Context, partyId string) (int, error) {
	return c.storage.CountUnread(ctx, partyId)
}

// Search returns the party's messages whose content contains query, ignoring case,
// newest first and bounded by the configured search limit.
func (c *ChatService) Search(ctx context.Context, partyId string, query string) ([]Message, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidPayload)
	}

	messages, err := c.storage.GetPartyMessages(ctx, partyId, partyScanWindow)
	if err != nil {
		return nil, err
	}

	matches := lo.Filter(messages, func(m Message, _ int) bool {
		return strings.Contains(strings.ToLower(m.Content), query)
	})
	if len(matches) > c.searchLimit {
		matches = matches[:c.searchLimit]
	}
	return matches, nil
}

// GetConnections returns one row per counterparty the party exchanged messages with,
// most recent first.
func (c *ChatService) GetConnections(ctx context.Context, partyId string) ([]ConnectionSummary, error) {
	messages, err := c.storage.GetPartyMessages(ctx, partyId, partyScanWindow)
	if err != nil {
		return nil, err
	}

	latest := lo.UniqBy(messages, func(m Message) string {
		return m.Counterpart(partyId)
	})

	connections := lo.Map(latest, func(m Message, _ int) ConnectionSummary {
		return ConnectionSummary{
			Counterparty: Party{Id: m.Counterpart(partyId), Kind: counterpartKind(m, partyId)},
			LastMessage:  m,
		}
	})

	profiles := c.lookupProfiles(ctx, lo.Map(connections, func(s ConnectionSummary, _ int) Party {
		return s.Counterparty
	}))
	for i := range connections {
		if profile, ok := profiles[connections[i].Counterparty.Id]; ok {
			connections[i].Profile = &profile
		}
	}

	return connections, nil
}

func (c *ChatService) GetConversations(ctx context.Context, partyId string) ([]ConversationSummary, error) {
	conversations, err := c.storage.GetConversations(ctx, partyId)
	if err != nil {
		return nil, err
	}

	var counterparts []Party
	for _, conversation := range conversations {
		if p, ok := conversation.Counterpart(partyId); ok {
			counterparts = append(counterparts, p)
		}
	}
	profiles := c.lookupProfiles(ctx, counterparts)

	summaries := make([]ConversationSummary, 0, len(conversations))
	for _, conversation := range conversations {
		summary := ConversationSummary{Conversation: conversation}
		if p, ok := conversation.Counterpart(partyId); ok {
			if profile, found := profiles[p.Id]; found {
				summary.Counterpart = &profile
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetConversationMessages returns the history of a conversation the party takes part in.
func (c *ChatService) GetConversationMessages(ctx context.Context, conversationId string, partyId string) ([]Message, error) {
	conversation, err := c.storage.GetConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(partyId) {
		return nil, ErrNotParticipant
	}
	return c.storage.GetMessages(ctx, conversation.Id, c.historyLimit)
}

// GetDirectMessages returns the history of same-kind messages between party and counterpartId.
func (c *ChatService) GetDirectMessages(ctx context.Context, party Party, counterpartId string) ([]Message, error) {
	if counterpartId == "" || counterpartId == party.Id {
		return nil, fmt.Errorf("%w: invalid counterpart", ErrInvalidPayload)
	}
	return c.storage.GetMessages(ctx, ConversationKey(DirectConversation, party.Id, counterpartId), c.historyLimit)
}

func (c *ChatService) lookupProfiles(ctx context.Context, parties []Party) map[string]Profile {
	profiles, err := c.profiles.Lookup(ctx, parties)
	if err != nil {
		c.log.Warn("Unable to load profiles", "error", err)
		return map[string]Profile{}
	}
	return profiles
}

func counterpartKind(m Message, partyId string) PartyKind {
	if m.SenderId != partyId {
		return m.SenderType
	}
	if m.ReceiverType != "" {
		return m.ReceiverType
	}
	if strings.HasPrefix(m.ConversationId, string(CrossPartyConversation)+":") {
		if m.SenderType == PartyRecruiter {
			return PartyUser
		}
		return PartyRecruiter
	}
	return m.SenderType
}

func checkContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty message content", ErrInvalidPayload)
	}
	if len(content) > maxContentLength {
		return fmt.Errorf("%w: message content exceeds %d bytes", ErrInvalidPayload, maxContentLength)
	}
	return nil
}

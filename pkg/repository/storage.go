package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/samber/lo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"realtimeService/pkg/api"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	callsCollection         = "calls"

	// Firestore caps a write batch at 500 operations.
	maxBatchSize = 500
)

// Storage persists conversations, messages and calls in Firestore.
type Storage struct {
	client *firestore.Client
}

var (
	_ api.ChatRepository = (*Storage)(nil)
	_ api.CallRepository = (*Storage)(nil)
)

func NewStorage(client *firestore.Client) *Storage {
	return &Storage{client: client}
}

type conversationDoc struct {
	Kind           string      `firestore:"kind"`
	Participants   []api.Party `firestore:"participants"`
	ParticipantIds []string    `firestore:"participantIds"`
	RecruiterId    string      `firestore:"recruiterId,omitempty"`
	ApplicantId    string      `firestore:"applicantId,omitempty"`
	LastMessage    string      `firestore:"lastMessage"`
	LastMessageAt  time.Time   `firestore:"lastMessageAt"`
	CreatedAt      time.Time   `firestore:"createdAt"`
}

type messageDoc struct {
	ConversationId string    `firestore:"conversationId"`
	SenderId       string    `firestore:"senderId"`
	ReceiverId     string    `firestore:"receiverId"`
	ParticipantIds []string  `firestore:"participantIds"`
	SenderType     string    `firestore:"senderType"`
	ReceiverType   string    `firestore:"receiverType,omitempty"`
	Content        string    `firestore:"content"`
	Timestamp      time.Time `firestore:"timestamp,serverTimestamp"`
	IsRead         bool      `firestore:"isRead"`
}

type callDoc struct {
	CallerId       string         `firestore:"callerId"`
	RecipientId    string         `firestore:"recipientId"`
	ParticipantIds []string       `firestore:"participantIds"`
	Status         string         `firestore:"status"`
	Media          api.MediaFlags `firestore:"media"`
	CreatedAt      time.Time      `firestore:"createdAt"`
	UpdatedAt      time.Time      `firestore:"updatedAt"`
	ExpiresAt      time.Time      `firestore:"expiresAt"`
}

func (s *Storage) FindOrCreateConversation(ctx context.Context, conversation api.Conversation) (api.Conversation, error) {
	ref := s.client.Collection(conversationsCollection).Doc(conversation.Id)

	_, err := ref.Create(ctx, toConversationDoc(conversation))
	if err == nil {
		return conversation, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return api.Conversation{}, storageError("create conversation", err)
	}

	// Another request created it first.
	return s.GetConversation(ctx, conversation.Id)
}

func (s *Storage) GetConversation(ctx context.Context, conversationId string) (api.Conversation, error) {
	snap, err := s.client.Collection(conversationsCollection).Doc(conversationId).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return api.Conversation{}, api.ErrConversationNotFound
	}
	if err != nil {
		return api.Conversation{}, storageError("get conversation", err)
	}
	return fromConversationSnap(snap)
}

func (s *Storage) GetConversations(ctx context.Context, partyId string) ([]api.Conversation, error) {
	snaps, err := s.client.Collection(conversationsCollection).
		Where("participantIds", "array-contains", partyId).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, storageError("list conversations", err)
	}

	conversations := make([]api.Conversation, 0, len(snaps))
	for _, snap := range snaps {
		conversation, err := fromConversationSnap(snap)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return lastActivity(conversations[i]).After(lastActivity(conversations[j]))
	})
	return conversations, nil
}

func (s *Storage) UpdateLastMessage(ctx context.Context, message api.Message) error {
	_, err := s.client.Collection(conversationsCollection).Doc(message.ConversationId).Update(ctx, []firestore.Update{
		{Path: "lastMessage", Value: message.Content},
		{Path: "lastMessageAt", Value: message.Timestamp},
	})
	if status.Code(err) == codes.NotFound {
		return api.ErrConversationNotFound
	}
	return storageError("update last message", err)
}

func (s *Storage) AddMessage(ctx context.Context, message api.Message) (api.Message, error) {
	ref := s.client.Collection(messagesCollection).NewDoc()

	wr, err := ref.Create(ctx, toMessageDoc(message))
	if err != nil {
		return api.Message{}, storageError("add message", err)
	}

	message.Id = ref.ID
	if message.Timestamp.IsZero() {
		message.Timestamp = wr.UpdateTime
	}
	return message, nil
}

func (s *Storage) GetMessage(ctx context.Context, messageId string) (api.Message, error) {
	snap, err := s.client.Collection(messagesCollection).Doc(messageId).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return api.Message{}, api.ErrMessageNotFound
	}
	if err != nil {
		return api.Message{}, storageError("get message", err)
	}
	return fromMessageSnap(snap)
}

func (s *Storage) MarkMessageRead(ctx context.Context, messageId string) (api.Message, error) {
	ref := s.client.Collection(messagesCollection).Doc(messageId)

	var message api.Message
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return api.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if message, err = fromMessageSnap(snap); err != nil {
			return err
		}
		if message.IsRead {
			return nil
		}
		message.IsRead = true
		return tx.Update(ref, []firestore.Update{{Path: "isRead", Value: true}})
	})
	if err != nil {
		return api.Message{}, storageError("mark message read", err)
	}
	return message, nil
}

// GetMessages needs the composite index (conversationId asc, timestamp desc).
func (s *Storage) GetMessages(ctx context.Context, conversationId string, limit int) ([]api.Message, error) {
	query := s.client.Collection(messagesCollection).
		Where("conversationId", "==", conversationId).
		OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	messages, err := s.queryMessages(ctx, query)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Storage) GetPartyMessages(ctx context.Context, partyId string, limit int) ([]api.Message, error) {
	query := s.client.Collection(messagesCollection).
		Where("participantIds", "array-contains", partyId).
		OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	return s.queryMessages(ctx, query)
}

func (s *Storage) CountUnread(ctx context.Context, partyId string) (int, error) {
	snaps, err := s.client.Collection(messagesCollection).
		Where("receiverId", "==", partyId).
		Where("isRead", "==", false).
		Select().
		Documents(ctx).GetAll()
	if err != nil {
		return 0, storageError("count unread", err)
	}
	return len(snaps), nil
}

func (s *Storage) queryMessages(ctx context.Context, query firestore.Query) ([]api.Message, error) {
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, storageError("query messages", err)
	}

	messages := make([]api.Message, 0, len(snaps))
	for _, snap := range snaps {
		message, err := fromMessageSnap(snap)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *Storage) CreateCall(ctx context.Context, call api.CallRecord) (api.CallRecord, error) {
	ref := s.client.Collection(callsCollection).NewDoc()
	if _, err := ref.Create(ctx, toCallDoc(call)); err != nil {
		return api.CallRecord{}, storageError("create call", err)
	}
	call.Id = ref.ID
	return call, nil
}

func (s *Storage) GetCall(ctx context.Context, callId string) (api.CallRecord, error) {
	snap, err := s.client.Collection(callsCollection).Doc(callId).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return api.CallRecord{}, api.ErrCallNotFound
	}
	if err != nil {
		return api.CallRecord{}, storageError("get call", err)
	}
	return fromCallSnap(snap)
}

func (s *Storage) UpdateCall(ctx context.Context, callId string, update func(call *api.CallRecord) error) (api.CallRecord, error) {
	ref := s.client.Collection(callsCollection).Doc(callId)

	var call api.CallRecord
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return api.ErrCallNotFound
		}
		if err != nil {
			return err
		}
		if call, err = fromCallSnap(snap); err != nil {
			return err
		}
		if err := update(&call); err != nil {
			return err
		}
		return tx.Set(ref, toCallDoc(call))
	})
	if err != nil {
		return api.CallRecord{}, storageError("update call", err)
	}
	return call, nil
}

func (s *Storage) GetPartyCalls(ctx context.Context, partyId string, statuses ...api.CallStatus) ([]api.CallRecord, error) {
	snaps, err := s.client.Collection(callsCollection).
		Where("participantIds", "array-contains", partyId).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, storageError("list calls", err)
	}

	calls := make([]api.CallRecord, 0, len(snaps))
	for _, snap := range snaps {
		call, err := fromCallSnap(snap)
		if err != nil {
			return nil, err
		}
		if len(statuses) == 0 || lo.Contains(statuses, call.Status) {
			calls = append(calls, call)
		}
	}
	return calls, nil
}

func (s *Storage) DeleteExpiredCalls(ctx context.Context, before time.Time) (int, error) {
	calls := s.client.Collection(callsCollection)

	expired, err := calls.Where("expiresAt", "<", before).Documents(ctx).GetAll()
	if err != nil {
		return 0, storageError("query expired calls", err)
	}
	stale, err := calls.Where("updatedAt", "<", before).Documents(ctx).GetAll()
	if err != nil {
		return 0, storageError("query stale calls", err)
	}

	var refs []*firestore.DocumentRef
	for _, snap := range append(expired, stale...) {
		call, err := fromCallSnap(snap)
		if err != nil {
			return 0, err
		}
		if isSweepable(call, before) {
			refs = append(refs, snap.Ref)
		}
	}
	refs = lo.UniqBy(refs, func(ref *firestore.DocumentRef) string { return ref.ID })

	deleted := 0
	for _, chunk := range lo.Chunk(refs, maxBatchSize) {
		batch := s.client.Batch()
		for _, ref := range chunk {
			batch.Delete(ref)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return deleted, storageError("delete expired calls", err)
		}
		deleted += len(chunk)
	}
	return deleted, nil
}

// storageError passes domain errors through and tags everything else as a storage failure.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if api.ErrorCode(err) != "internal" {
		return err
	}
	return fmt.Errorf("%w: %s: %v", api.ErrStorage, op, err)
}

func toConversationDoc(c api.Conversation) conversationDoc {
	return conversationDoc{
		Kind:           string(c.Kind),
		Participants:   c.Participants,
		ParticipantIds: lo.Map(c.Participants, func(p api.Party, _ int) string { return p.Id }),
		RecruiterId:    c.RecruiterId,
		ApplicantId:    c.ApplicantId,
		LastMessage:    c.LastMessage,
		LastMessageAt:  c.LastMessageAt,
		CreatedAt:      c.CreatedAt,
	}
}

func fromConversationSnap(snap *firestore.DocumentSnapshot) (api.Conversation, error) {
	var doc conversationDoc
	if err := snap.DataTo(&doc); err != nil {
		return api.Conversation{}, storageError("decode conversation", err)
	}
	return api.Conversation{
		Id:            snap.Ref.ID,
		Kind:          api.ConversationKind(doc.Kind),
		Participants:  doc.Participants,
		RecruiterId:   doc.RecruiterId,
		ApplicantId:   doc.ApplicantId,
		LastMessage:   doc.LastMessage,
		LastMessageAt: doc.LastMessageAt,
		CreatedAt:     doc.CreatedAt,
	}, nil
}

func toMessageDoc(m api.Message) messageDoc {
	return messageDoc{
		ConversationId: m.ConversationId,
		SenderId:       m.SenderId,
		ReceiverId:     m.ReceiverId,
		ParticipantIds: []string{m.SenderId, m.ReceiverId},
		SenderType:     string(m.SenderType),
		ReceiverType:   string(m.ReceiverType),
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		IsRead:         m.IsRead,
	}
}

func fromMessageSnap(snap *firestore.DocumentSnapshot) (api.Message, error) {
	var doc messageDoc
	if err := snap.DataTo(&doc); err != nil {
		return api.Message{}, storageError("decode message", err)
	}
	return api.Message{
		Id:             snap.Ref.ID,
		ConversationId: doc.ConversationId,
		SenderId:       doc.SenderId,
		ReceiverId:     doc.ReceiverId,
		SenderType:     api.PartyKind(doc.SenderType),
		ReceiverType:   api.PartyKind(doc.ReceiverType),
		Content:        doc.Content,
		Timestamp:      doc.Timestamp,
		IsRead:         doc.IsRead,
	}, nil
}

func toCallDoc(c api.CallRecord) callDoc {
	return callDoc{
		CallerId:       c.CallerId,
		RecipientId:    c.RecipientId,
		ParticipantIds: []string{c.CallerId, c.RecipientId},
		Status:         string(c.Status),
		Media:          c.Media,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		ExpiresAt:      c.ExpiresAt,
	}
}

func fromCallSnap(snap *firestore.DocumentSnapshot) (api.CallRecord, error) {
	var doc callDoc
	if err := snap.DataTo(&doc); err != nil {
		return api.CallRecord{}, storageError("decode call", err)
	}
	return api.CallRecord{
		Id:          snap.Ref.ID,
		CallerId:    doc.CallerId,
		RecipientId: doc.RecipientId,
		Status:      api.CallStatus(doc.Status),
		Media:       doc.Media,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		ExpiresAt:   doc.ExpiresAt,
	}, nil
}

package api

import (
	"fmt"
	"time"
)

type PartyKind string

const (
	PartyUser      PartyKind = "user"
	PartyRecruiter PartyKind = "recruiter"
)

func (k PartyKind) Valid() bool {
	return k == PartyUser || k == PartyRecruiter
}

// Party is an authenticated actor. Identity comes from the auth layer.
type Party struct {
	Id   string    `firestore:"id" json:"id" validate:"required"`
	Kind PartyKind `firestore:"kind" json:"kind" validate:"required,oneof=user recruiter"`
}

type ConversationKind string

const (
	// DirectConversation is a thread between two parties of the same kind.
	DirectConversation ConversationKind = "direct"
	// CrossPartyConversation is a thread between an applicant and a recruiter.
	CrossPartyConversation ConversationKind = "user_recruiter"
)

// ConversationKindFor returns the conversation kind used between two parties.
func ConversationKindFor(a, b Party) ConversationKind {
	if a.Kind != b.Kind {
		return CrossPartyConversation
	}
	return DirectConversation
}

// ConversationKey is the storage key of the conversation between a pair of parties.
// It does not depend on argument order.
func ConversationKey(kind ConversationKind, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s:%s:%s", kind, a, b)
}

type Conversation struct {
	Id            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Participants  []Party          `json:"participants"`
	RecruiterId   string           `json:"recruiterId,omitempty"`
	ApplicantId   string           `json:"applicantId,omitempty"`
	LastMessage   string           `json:"lastMessage"`
	LastMessageAt time.Time        `json:"lastMessageAt"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// NewConversation builds the conversation between a and b, keyed on the unordered pair.
func NewConversation(a, b Party, now time.Time) Conversation {
	kind := ConversationKindFor(a, b)
	if b.Id < a.Id {
		a, b = b, a
	}
	conversation := Conversation{
		Id:           ConversationKey(kind, a.Id, b.Id),
		Kind:         kind,
		Participants: []Party{a, b},
		CreatedAt:    now,
	}
	if kind == CrossPartyConversation {
		for _, p := range conversation.Participants {
			if p.Kind == PartyRecruiter {
				conversation.RecruiterId = p.Id
			} else {
				conversation.ApplicantId = p.Id
			}
		}
	}
	return conversation
}

func (c Conversation) HasParticipant(partyId string) bool {
	_, ok := c.participant(partyId)
	return ok
}

// Counterpart returns the participant that is not partyId.
func (c Conversation) Counterpart(partyId string) (Party, bool) {
	if !c.HasParticipant(partyId) {
		return Party{}, false
	}
	for _, p := range c.Participants {
		if p.Id != partyId {
			return p, true
		}
	}
	return Party{}, false
}

func (c Conversation) participant(partyId string) (Party, bool) {
	for _, p := range c.Participants {
		if p.Id == partyId {
			return p, true
		}
	}
	return Party{}, false
}

// Message is immutable once stored, except for the IsRead false -> true transition.
type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversationId"`
	SenderId       string    `json:"senderId"`
	ReceiverId     string    `json:"receiverId"`
	SenderType     PartyKind `json:"senderType"`
	ReceiverType   PartyKind `json:"receiverType,omitempty"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	IsRead         bool      `json:"isRead"`
}

// Counterpart returns the other end of the message as seen from partyId.
func (m Message) Counterpart(partyId string) string {
	if m.SenderId == partyId {
		return m.ReceiverId
	}
	return m.SenderId
}

type CallStatus string

const (
	CallPending  CallStatus = "pending"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
)

type MediaFlags struct {
	AudioEnabled bool `firestore:"audioEnabled" json:"audioEnabled"`
	VideoEnabled bool `firestore:"videoEnabled" json:"videoEnabled"`
}

type CallRecord struct {
	Id          string     `json:"id"`
	CallerId    string     `json:"callerId"`
	RecipientId string     `json:"recipientId"`
	Status      CallStatus `json:"status"`
	Media       MediaFlags `json:"media"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// IsActive reports whether the call is pending or accepted and has not passed its expiry.
func (c CallRecord) IsActive(now time.Time) bool {
	if c.Status != CallPending && c.Status != CallAccepted {
		return false
	}
	return !now.After(c.ExpiresAt)
}

func (c CallRecord) Involves(partyId string) bool {
	return c.CallerId == partyId || c.RecipientId == partyId
}

func (c CallRecord) Counterpart(partyId string) string {
	if c.CallerId == partyId {
		return c.RecipientId
	}
	return c.CallerId
}

// ConnectionSummary is one row of a party's contact list.
type ConnectionSummary struct {
	Counterparty Party    `json:"counterparty"`
	Profile      *Profile `json:"profile,omitempty"`
	LastMessage  Message  `json:"lastMessage"`
}

// ConversationSummary is a conversation enriched with the counterpart's profile.
type ConversationSummary struct {
	Conversation
	Counterpart *Profile `json:"counterpart,omitempty"`
}

type Profile struct {
	Id       string    `json:"id"`
	Kind     PartyKind `json:"kind"`
	Email    string    `json:"email"`
	Name     *string   `json:"name"`
	Avatar   *string   `json:"avatar"`
	Headline *string   `json:"headline"`
	Company  *string   `json:"company,omitempty"`
}

type ProfileModel struct {
	UID         string
	FirstName   *string
	LastName    *string
	Email       string
	PhotoUrl    *string
	Headline    *string
	CompanyName *string
}

func (u *ProfileModel) ConvertToDTO(kind PartyKind) Profile {
	var name *string
	if u.FirstName != nil && u.LastName != nil {
		full := *u.FirstName + " " + *u.LastName
		name = &full
	}
	return Profile{
		Id:       u.UID,
		Kind:     kind,
		Email:    u.Email,
		Name:     name,
		Avatar:   u.PhotoUrl,
		Headline: u.Headline,
		Company:  u.CompanyName,
	}
}

package api

import (
	"encoding/json"
)

// Inbound events, client -> server.
const (
	EventSendMessage                  = "sendMessage"
	EventSendUserRecruiterMessage     = "sendUserRecruiterMessage"
	EventMarkMessageAsRead            = "markMessageAsRead"
	EventMarkUserRecruiterMessageRead = "markUserRecruiterMessageAsRead"
	EventTyping                       = "typing"
	EventStoppedTyping                = "stoppedTyping"
	EventUserRecruiterTyping          = "userRecruiterTyping"
	EventUserRecruiterStoppedTyping   = "userRecruiterStoppedTyping"
	EventJoinConversation             = "joinConversation"
	EventLeaveConversation            = "leaveConversation"
	EventUserCallOffer                = "userCallOffer"
	EventCallAnswer                   = "callAnswer"
	EventRejectCall                   = "rejectCall"
	EventUserEndCall                  = "userEndCall"
	EventIceCandidate                 = "iceCandidate"
)

// Outbound events, server -> client.
const (
	EventMessageSent                      = "messageSent"
	EventNewMessage                       = "newMessage"
	EventUserTyping                       = "userTyping"
	EventUserStoppedTyping                = "userStoppedTyping"
	EventMessageMarkedAsRead              = "messageMarkedAsRead"
	EventUserRecruiterMessageMarkedAsRead = "userRecruiterMessageMarkedAsRead"
	EventJoinedConversation               = "joinedConversation"
	EventLeftConversation                 = "leftConversation"
	EventUserOnlineStatus                 = "userOnlineStatus"
	EventIncomingCall                     = "incomingCall"
	EventCallInitiated                    = "callInitiated"
	EventCallAnswered                     = "callAnswered"
	EventCallRejected                     = "callRejected"
	EventUserCallEnded                    = "userCallEnded"
	EventCallMediaUpdated                 = "callMediaUpdated"
	EventNewNotification                  = "newNotification"
	EventCallError                        = "callError"
	EventMessageError                     = "messageError"
	EventError                            = "error"
)

// IncomingEvent is one frame received from a client.
type IncomingEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutgoingEvent is one frame pushed to a client.
type OutgoingEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type SendMessagePayload struct {
	SenderId      string    `json:"senderId" validate:"required"`
	RecipientId   string    `json:"recipientId" validate:"required"`
	RecipientType PartyKind `json:"recipientType,omitempty" validate:"omitempty,oneof=user recruiter"`
	Content       string    `json:"content" validate:"required"`
}

type SendCrossPartyMessagePayload struct {
	ConversationId string    `json:"conversationId" validate:"required"`
	Content        string    `json:"content" validate:"required"`
	SenderId       string    `json:"senderId" validate:"required"`
	SenderType     PartyKind `json:"senderType" validate:"required,oneof=user recruiter"`
}

type MarkReadPayload struct {
	MessageId      string `json:"messageId" validate:"required"`
	ConversationId string `json:"conversationId"`
}

type TypingPayload struct {
	RecipientId    string `json:"recipientId" validate:"required_without=ConversationId"`
	ConversationId string `json:"conversationId" validate:"required_without=RecipientId"`
}

type ConversationRoomPayload struct {
	ConversationId string `json:"conversationId" validate:"required"`
}

type CallOfferPayload struct {
	RecipientId string          `json:"recipientId" validate:"required"`
	Offer       json.RawMessage `json:"offer" validate:"required"`
	Media       *MediaFlags     `json:"media,omitempty"`
}

type CallAnswerPayload struct {
	CallerId string          `json:"callerId" validate:"required"`
	Answer   json.RawMessage `json:"answer" validate:"required"`
}

type RejectCallPayload struct {
	CallerId string `json:"callerId" validate:"required"`
}

type EndCallPayload struct {
	RecipientId string `json:"recipientId" validate:"required"`
}

type IceCandidatePayload struct {
	RecipientId string          `json:"recipientId" validate:"required"`
	Candidate   json.RawMessage `json:"candidate" validate:"required"`
}

type TypingEvent struct {
	SenderId       string `json:"senderId"`
	ConversationId string `json:"conversationId,omitempty"`
}

type ReadReceipt struct {
	MessageId      string `json:"messageId"`
	ConversationId string `json:"conversationId"`
	ReaderId       string `json:"readerId"`
	SenderId       string `json:"senderId"`
}

type RoomEvent struct {
	ConversationId string `json:"conversationId"`
}

type OnlineStatus struct {
	PartyId string `json:"partyId"`
	Online  bool   `json:"online"`
}

type IncomingCall struct {
	CallId   string          `json:"callId"`
	CallerId string          `json:"callerId"`
	Offer    json.RawMessage `json:"offer"`
	Media    MediaFlags      `json:"media"`
}

type CallInitiated struct {
	CallId      string `json:"callId"`
	RecipientId string `json:"recipientId"`
}

type CallAnswered struct {
	CallId string          `json:"callId"`
	Answer json.RawMessage `json:"answer"`
}

type CallRef struct {
	CallId string `json:"callId"`
}

type IceCandidate struct {
	SenderId  string          `json:"senderId"`
	Candidate json.RawMessage `json:"candidate"`
}

type ErrorEvent struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

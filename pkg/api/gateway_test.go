package api_test

import (
	"encoding/json"
	"errors"
	"testing"

	"firebase.google.com/go/v4/auth"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"realtimeService/mocks"
	"realtimeService/pkg/api"
)

func TestGateway_AuthenticateWithoutVerifier(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	party, err := env.gateway.Authenticate(t.Context(), api.Handshake{PartyId: "u1", PartyKind: api.PartyUser})
	req.NoError(err)
	req.Equal(applicant1, party)

	_, err = env.gateway.Authenticate(t.Context(), api.Handshake{PartyKind: api.PartyUser})
	req.ErrorIs(err, api.ErrAuthentication)

	_, err = env.gateway.Authenticate(t.Context(), api.Handshake{PartyId: "u1", PartyKind: "admin"})
	req.ErrorIs(err, api.ErrAuthentication)
}

func TestGateway_AuthenticateVerifiesToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tests := []struct {
		name      string
		handshake api.Handshake
		token     *auth.Token
		verifyErr error
		wantErr   bool
	}{
		{
			name:      "matching token",
			handshake: api.Handshake{PartyId: "r1", PartyKind: api.PartyRecruiter, Token: "good"},
			token:     &auth.Token{UID: "r1", Claims: map[string]interface{}{"partyKind": "recruiter"}},
		},
		{
			name:      "token of another party",
			handshake: api.Handshake{PartyId: "r1", PartyKind: api.PartyRecruiter, Token: "good"},
			token:     &auth.Token{UID: "u1"},
			wantErr:   true,
		},
		{
			name:      "kind claim mismatch",
			handshake: api.Handshake{PartyId: "u1", PartyKind: api.PartyRecruiter, Token: "good"},
			token:     &auth.Token{UID: "u1", Claims: map[string]interface{}{"partyKind": "user"}},
			wantErr:   true,
		},
		{
			name:      "invalid token",
			handshake: api.Handshake{PartyId: "u1", PartyKind: api.PartyUser, Token: "bad"},
			verifyErr: errors.New("ID token has expired"),
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			verifier := mocks.NewMockTokenVerifier(ctrl)
			verifier.EXPECT().VerifyIDToken(gomock.Any(), tt.handshake.Token).Return(tt.token, tt.verifyErr).Times(1)
			env := newTestEnvWith(t, nil, verifier)

			party, err := env.gateway.Authenticate(t.Context(), tt.handshake)

			if tt.wantErr {
				req.ErrorIs(err, api.ErrAuthentication)
				return
			}
			req.NoError(err)
			req.Equal(tt.handshake.PartyId, party.Id)
		})
	}
}

func TestGateway_OpenAnnouncesPresence(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u2 := env.connect(applicant2)

	// When u1 connects then disconnects
	u1 := env.connect(applicant1)
	env.gateway.Close(u1)

	// Then u2 saw u1 go online then offline
	statuses := u2.received(api.EventUserOnlineStatus)
	req.Len(statuses, 2)
	req.Equal(api.OnlineStatus{PartyId: "u1", Online: true}, statuses[0].Data)
	req.Equal(api.OnlineStatus{PartyId: "u1", Online: false}, statuses[1].Data)
	req.False(env.hub.IsOnline("u1"))
}

func TestGateway_ReconnectReplacesSession(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	observer := env.connect(applicant2)
	first := newFakeConn("first", applicant1)
	second := newFakeConn("second", applicant1)
	env.gateway.Open(first)

	// When u1 connects again
	env.gateway.Open(second)

	// Then the first session is closed and its late disconnect changes nothing
	req.True(first.isClosed())
	req.Equal(websocket.ClosePolicyViolation, first.closeCode)
	env.gateway.Close(first)
	req.True(env.hub.IsOnline("u1"))
	for _, status := range observer.received(api.EventUserOnlineStatus) {
		req.True(status.Data.(api.OnlineStatus).Online)
	}

	// And traffic reaches the new session
	env.dispatch(t, observer, api.EventSendMessage, api.SendMessagePayload{SenderId: "u2", RecipientId: "u1", Content: "hi"})
	req.Len(second.received(api.EventNewMessage), 1)
	req.Empty(first.received(api.EventNewMessage))
}

// Scenario A: a direct message reaches an online recipient and is acknowledged to its sender.
func TestGateway_SendMessage(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1, u2 := env.connect(applicant1), env.connect(applicant2)

	env.dispatch(t, u1, api.EventSendMessage, api.SendMessagePayload{SenderId: "u1", RecipientId: "u2", Content: "hello"})

	sent := only[api.Message](t, u1, api.EventMessageSent)
	received := only[api.Message](t, u2, api.EventNewMessage)
	req.Equal(sent.Id, received.Id)
	req.Equal("hello", received.Content)
	req.False(received.IsRead)

	stored, err := env.store.GetPartyMessages(t.Context(), "u2", 0)
	req.NoError(err)
	req.Len(stored, 1)
}

func TestGateway_SendMessageToOfflineRecipientIsStored(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1 := env.connect(applicant1)

	env.dispatch(t, u1, api.EventSendMessage, api.SendMessagePayload{SenderId: "u1", RecipientId: "u2", Content: "see you"})

	// Then the sender is acknowledged and the message waits in history
	sent := only[api.Message](t, u1, api.EventMessageSent)
	history, err := env.chat.GetDirectMessages(t.Context(), applicant2, "u1")
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(sent.Id, history[0].Id)
}

func TestGateway_SendMessageRejectsImpersonation(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1, u2 := env.connect(applicant1), env.connect(applicant2)

	env.dispatch(t, u1, api.EventSendMessage, api.SendMessagePayload{SenderId: "u3", RecipientId: "u2", Content: "hello"})

	failure := only[api.ErrorEvent](t, u1, api.EventMessageError)
	req.Equal("invalid_payload", failure.Code)
	req.Equal(api.EventSendMessage, failure.Event)
	req.Empty(u2.received(api.EventNewMessage))
}

func TestGateway_SendMessageRejectsMixedKinds(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	r1, u1 := env.connect(recruiter1), env.connect(applicant1)

	// When a recruiter sends a direct message to an applicant
	env.dispatch(t, r1, api.EventSendMessage, api.SendMessagePayload{
		SenderId:      "r1",
		RecipientId:   "u1",
		RecipientType: api.PartyUser,
		Content:       "hello",
	})

	// Then it is refused and nothing is stored
	req.Equal("invalid_payload", only[api.ErrorEvent](t, r1, api.EventMessageError).Code)
	req.Empty(u1.received(api.EventNewMessage))
	messages, err := env.store.GetPartyMessages(t.Context(), "u1", 0)
	req.NoError(err)
	req.Empty(messages)
}

func TestGateway_SendMessagePublishesNotification(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	bus := mocks.NewMockBus(ctrl)
	env := newTestEnvWith(t, bus, nil)
	u1 := env.connect(applicant1)

	// Given the bus expects one message notification for u2
	bus.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ any, notification api.Notification) error {
			require.Equal(t, api.NotificationMessage, notification.Type)
			require.Equal(t, "u2", notification.Recipient)
			require.Equal(t, "u1", notification.Sender)
			require.Equal(t, "ping", notification.Content)
			return nil
		}).Times(1)

	// When u1 sends a message
	env.dispatch(t, u1, api.EventSendMessage, api.SendMessagePayload{SenderId: "u1", RecipientId: "u2", Content: "ping"})

	// Then the send succeeded
	require.Len(t, u1.received(api.EventMessageSent), 1)
}

// Scenario B: marking read notifies the original sender and is idempotent.
func TestGateway_MarkRead(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1, u2 := env.connect(applicant1), env.connect(applicant2)
	env.dispatch(t, u1, api.EventSendMessage, api.SendMessagePayload{SenderId: "u1", RecipientId: "u2", Content: "hello"})
	message := only[api.Message](t, u2, api.EventNewMessage)

	env.dispatch(t, u2, api.EventMarkMessageAsRead, api.MarkReadPayload{MessageId: message.Id})
	env.dispatch(t, u2, api.EventMarkMessageAsRead, api.MarkReadPayload{MessageId: message.Id})

	receipts := u1.received(api.EventMessageMarkedAsRead)
	req.Len(receipts, 2)
	req.Equal(api.ReadReceipt{MessageId: message.Id, ConversationId: message.ConversationId, ReaderId: "u2", SenderId: "u1"}, receipts[0].Data)
	req.Empty(u2.received(api.EventMessageError))

	stored, err := env.store.GetMessage(t.Context(), message.Id)
	req.NoError(err)
	req.True(stored.IsRead)
}

func TestGateway_MarkReadErrors(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1, u2 := env.connect(applicant1), env.connect(applicant2)
	env.dispatch(t, u1, api.EventSendMessage, api.SendMessagePayload{SenderId: "u1", RecipientId: "u2", Content: "hello"})
	message := only[api.Message](t, u2, api.EventNewMessage)

	// The sender cannot mark its own message read
	env.dispatch(t, u1, api.EventMarkMessageAsRead, api.MarkReadPayload{MessageId: message.Id})
	req.Equal("invalid_state", only[api.ErrorEvent](t, u1, api.EventMessageError).Code)

	env.dispatch(t, u2, api.EventMarkMessageAsRead, api.MarkReadPayload{MessageId: "missing"})
	req.Equal("not_found", only[api.ErrorEvent](t, u2, api.EventMessageError).Code)
}

// Scenario C: recruiter to applicant messaging through a conversation.
func TestGateway_CrossPartyConversation(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	r1, u1 := env.connect(recruiter1), env.connect(applicant1)
	conversation, err := env.chat.StartConversation(t.Context(), recruiter1, applicant1)
	req.NoError(err)

	env.dispatch(t, r1, api.EventSendUserRecruiterMessage, api.SendCrossPartyMessagePayload{
		ConversationId: conversation.Id,
		Content:        "Thanks for applying",
		SenderId:       "r1",
		SenderType:     api.PartyRecruiter,
	})

	received := only[api.Message](t, u1, api.EventNewMessage)
	req.Equal("r1", received.SenderId)
	req.Equal(api.PartyRecruiter, received.SenderType)
	req.Len(r1.received(api.EventMessageSent), 1)

	updated, err := env.chat.GetConversation(t.Context(), conversation.Id)
	req.NoError(err)
	req.Equal("Thanks for applying", updated.LastMessage)

	// And the applicant marks it read
	env.dispatch(t, u1, api.EventMarkUserRecruiterMessageRead, api.MarkReadPayload{MessageId: received.Id, ConversationId: conversation.Id})
	req.Len(r1.received(api.EventUserRecruiterMessageMarkedAsRead), 1)
}

func TestGateway_CrossPartyMessageRejectsWrongSenderType(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.connect(recruiter1)
	conversation, err := env.chat.StartConversation(t.Context(), recruiter1, applicant1)
	require.NoError(t, err)

	env.dispatch(t, r1, api.EventSendUserRecruiterMessage, api.SendCrossPartyMessagePayload{
		ConversationId: conversation.Id,
		Content:        "hello",
		SenderId:       "r1",
		SenderType:     api.PartyUser,
	})

	require.Equal(t, "invalid_payload", only[api.ErrorEvent](t, r1, api.EventMessageError).Code)
}

func TestGateway_TypingAndRooms(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	r1, u1, u2 := env.connect(recruiter1), env.connect(applicant1), env.connect(applicant2)
	conversation, err := env.chat.StartConversation(t.Context(), recruiter1, applicant1)
	req.NoError(err)

	// Direct typing goes to the recipient only
	env.dispatch(t, u1, api.EventTyping, api.TypingPayload{RecipientId: "u2"})
	req.Equal(api.TypingEvent{SenderId: "u1"}, only[api.TypingEvent](t, u2, api.EventUserTyping))

	// Outsiders cannot join the room
	env.dispatch(t, u2, api.EventJoinConversation, api.ConversationRoomPayload{ConversationId: conversation.Id})
	req.Equal("invalid_state", only[api.ErrorEvent](t, u2, api.EventError).Code)

	env.dispatch(t, r1, api.EventJoinConversation, api.ConversationRoomPayload{ConversationId: conversation.Id})
	env.dispatch(t, u1, api.EventJoinConversation, api.ConversationRoomPayload{ConversationId: conversation.Id})
	req.Len(u1.received(api.EventJoinedConversation), 1)

	// Outsiders cannot type into the room
	env.dispatch(t, u2, api.EventUserRecruiterTyping, api.TypingPayload{ConversationId: conversation.Id})
	failures := u2.received(api.EventError)
	req.Len(failures, 2)
	req.Equal(api.ErrorEvent{
		Event:   api.EventUserRecruiterTyping,
		Code:    "invalid_state",
		Message: "invalid state: party is not a participant: join the conversation before typing in it",
	}, failures[1].Data)

	// Room typing reaches the other member
	env.dispatch(t, r1, api.EventUserRecruiterTyping, api.TypingPayload{ConversationId: conversation.Id})
	req.Equal(api.TypingEvent{SenderId: "r1", ConversationId: conversation.Id}, only[api.TypingEvent](t, u1, api.EventUserRecruiterTyping))
	req.Empty(r1.received(api.EventUserRecruiterTyping))

	env.dispatch(t, u1, api.EventLeaveConversation, api.ConversationRoomPayload{ConversationId: conversation.Id})
	env.dispatch(t, r1, api.EventUserRecruiterStoppedTyping, api.TypingPayload{ConversationId: conversation.Id})
	req.Empty(u1.received(api.EventUserRecruiterStoppedTyping))
}

// Scenario D: calling an offline party is refused and leaves no call behind.
func TestGateway_CallOfferToOfflineRecipient(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1 := env.connect(applicant1)

	env.dispatch(t, u1, api.EventUserCallOffer, map[string]any{
		"recipientId": "u2",
		"offer":       json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})

	failure := only[api.ErrorEvent](t, u1, api.EventCallError)
	req.Equal("recipient_offline", failure.Code)

	calls, err := env.store.GetPartyCalls(t.Context(), "u1")
	req.NoError(err)
	req.Empty(calls)
}

func TestGateway_CallLifecycle(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1, u2 := env.connect(applicant1), env.connect(applicant2)
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 o=- 1 2 IN IP4 127.0.0.1"}`)
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)

	// When u1 calls u2
	env.dispatch(t, u1, api.EventUserCallOffer, map[string]any{"recipientId": "u2", "offer": offer})

	// Then u2 rings with the offer relayed verbatim
	incoming := only[api.IncomingCall](t, u2, api.EventIncomingCall)
	req.Equal("u1", incoming.CallerId)
	req.JSONEq(string(offer), string(incoming.Offer))
	req.Equal(bothMedia, incoming.Media)
	initiated := only[api.CallInitiated](t, u1, api.EventCallInitiated)
	req.Equal(incoming.CallId, initiated.CallId)

	// When u2 answers
	env.dispatch(t, u2, api.EventCallAnswer, map[string]any{"callerId": "u1", "answer": answer})

	answered := only[api.CallAnswered](t, u1, api.EventCallAnswered)
	req.Equal(incoming.CallId, answered.CallId)
	req.JSONEq(string(answer), string(answered.Answer))

	// ICE candidates flow both ways
	env.dispatch(t, u2, api.EventIceCandidate, map[string]any{"recipientId": "u1", "candidate": json.RawMessage(`{"candidate":"a=1"}`)})
	req.Equal("u2", only[api.IceCandidate](t, u1, api.EventIceCandidate).SenderId)

	// When u1 hangs up
	env.dispatch(t, u1, api.EventUserEndCall, api.EndCallPayload{RecipientId: "u2"})

	req.Equal(api.CallRef{CallId: incoming.CallId}, only[api.CallRef](t, u2, api.EventUserCallEnded))
	call, err := env.store.GetCall(t.Context(), incoming.CallId)
	req.NoError(err)
	req.Equal(api.CallEnded, call.Status)
	req.Empty(u1.received(api.EventCallError))
	req.Empty(u2.received(api.EventCallError))
}

func TestGateway_RejectCall(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1, u2 := env.connect(applicant1), env.connect(applicant2)
	env.dispatch(t, u1, api.EventUserCallOffer, map[string]any{"recipientId": "u2", "offer": json.RawMessage(`{}`)})
	incoming := only[api.IncomingCall](t, u2, api.EventIncomingCall)

	env.dispatch(t, u2, api.EventRejectCall, api.RejectCallPayload{CallerId: "u1"})

	req.Equal(api.CallRef{CallId: incoming.CallId}, only[api.CallRef](t, u1, api.EventCallRejected))

	// Answering after rejecting finds no call
	env.dispatch(t, u2, api.EventCallAnswer, map[string]any{"callerId": "u1", "answer": json.RawMessage(`{}`)})
	req.Equal("not_found", only[api.ErrorEvent](t, u2, api.EventCallError).Code)
}

func TestGateway_NewOfferEndsPreviousCall(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1, u2, u3 := env.connect(applicant1), env.connect(applicant2), env.connect(applicant3)
	env.dispatch(t, u1, api.EventUserCallOffer, map[string]any{"recipientId": "u2", "offer": json.RawMessage(`{}`)})
	first := only[api.IncomingCall](t, u2, api.EventIncomingCall)

	env.dispatch(t, u1, api.EventUserCallOffer, map[string]any{"recipientId": "u3", "offer": json.RawMessage(`{}`)})

	req.Equal(api.CallRef{CallId: first.CallId}, only[api.CallRef](t, u2, api.EventUserCallEnded))
	req.Len(u3.received(api.EventIncomingCall), 1)
}

func TestGateway_UnknownAndMalformedEvents(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1 := env.connect(applicant1)

	env.gateway.Dispatch(t.Context(), u1, api.IncomingEvent{Event: "dance", Data: json.RawMessage(`{}`)})
	env.gateway.Dispatch(t.Context(), u1, api.IncomingEvent{Event: api.EventSendMessage, Data: json.RawMessage(`{"senderId":`)})
	env.gateway.Dispatch(t.Context(), u1, api.IncomingEvent{Event: api.EventUserCallOffer})

	req.Equal("invalid_payload", only[api.ErrorEvent](t, u1, api.EventError).Code)
	req.Equal("invalid_payload", only[api.ErrorEvent](t, u1, api.EventMessageError).Code)
	req.Equal("invalid_payload", only[api.ErrorEvent](t, u1, api.EventCallError).Code)
}

func TestGateway_NotifyMediaUpdated(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	u1, u2 := env.connect(applicant1), env.connect(applicant2)
	call := api.CallRecord{Id: "c1", CallerId: "u1", RecipientId: "u2", Media: api.MediaFlags{AudioEnabled: true}}

	env.gateway.NotifyMediaUpdated(call)

	req.Equal(call, only[api.CallRecord](t, u1, api.EventCallMediaUpdated))
	req.Equal(call, only[api.CallRecord](t, u2, api.EventCallMediaUpdated))
}

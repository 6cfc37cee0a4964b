//go:generate go run go.uber.org/mock/mockgen -source=gateway.go -destination=../../mocks/mock_token_verifier.go -package=mocks
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

const defaultEventTimeout = 10 * time.Second

// TokenVerifier checks an identity token. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// Handshake is the identity a client presents when opening a connection.
type Handshake struct {
	PartyId   string
	PartyKind PartyKind
	Token     string
}

type handlerFunc func(ctx context.Context, conn Conn, data json.RawMessage) error

type route struct {
	handle handlerFunc
	// Event sent back to the initiating connection when handle fails.
	errorEvent string
}

// Gateway routes events of open connections to the chat service and the call
// coordinator, and fans results out through the hub.
type Gateway struct {
	hub          *Hub
	chat         *ChatService
	calls        *CallCoordinator
	bus          Bus
	verifier     TokenVerifier
	log          *slog.Logger
	validate     *validator.Validate
	eventTimeout time.Duration
	routes       map[string]route
}

// NewGateway builds a gateway. A nil verifier trusts the handshake identity as is.
func NewGateway(hub *Hub, chat *ChatService, calls *CallCoordinator, bus Bus, verifier TokenVerifier, log *slog.Logger, eventTimeout time.Duration) *Gateway {
	if eventTimeout <= 0 {
		eventTimeout = defaultEventTimeout
	}
	g := &Gateway{
		hub:          hub,
		chat:         chat,
		calls:        calls,
		bus:          bus,
		verifier:     verifier,
		log:          log,
		validate:     validator.New(),
		eventTimeout: eventTimeout,
	}
	g.routes = map[string]route{
		EventSendMessage:                  {g.sendMessage, EventMessageError},
		EventSendUserRecruiterMessage:     {g.sendCrossPartyMessage, EventMessageError},
		EventMarkMessageAsRead:            {g.markRead(EventMessageMarkedAsRead), EventMessageError},
		EventMarkUserRecruiterMessageRead: {g.markRead(EventUserRecruiterMessageMarkedAsRead), EventMessageError},
		EventTyping:                       {g.typing(EventUserTyping), EventError},
		EventStoppedTyping:                {g.typing(EventUserStoppedTyping), EventError},
		EventUserRecruiterTyping:          {g.typing(EventUserRecruiterTyping), EventError},
		EventUserRecruiterStoppedTyping:   {g.typing(EventUserRecruiterStoppedTyping), EventError},
		EventJoinConversation:             {g.joinConversation, EventError},
		EventLeaveConversation:            {g.leaveConversation, EventError},
		EventUserCallOffer:                {g.callOffer, EventCallError},
		EventCallAnswer:                   {g.callAnswer, EventCallError},
		EventRejectCall:                   {g.rejectCall, EventCallError},
		EventUserEndCall:                  {g.endCall, EventCallError},
		EventIceCandidate:                 {g.iceCandidate, EventCallError},
	}
	return g
}

// Authenticate resolves the party of a connection from its handshake.
func (g *Gateway) Authenticate(ctx context.Context, handshake Handshake) (Party, error) {
	if handshake.PartyId == "" {
		return Party{}, fmt.Errorf("%w: missing party id", ErrAuthentication)
	}
	if !handshake.PartyKind.Valid() {
		return Party{}, fmt.Errorf("%w: unknown party kind %q", ErrAuthentication, handshake.PartyKind)
	}

	if g.verifier != nil {
		token, err := g.verifier.VerifyIDToken(ctx, handshake.Token)
		if err != nil {
			return Party{}, fmt.Errorf("%w: token not valid: %v", ErrAuthentication, err)
		}
		if token.UID != handshake.PartyId {
			return Party{}, fmt.Errorf("%w: token does not match party id", ErrAuthentication)
		}
		if kind, ok := token.Claims["partyKind"].(string); ok && PartyKind(kind) != handshake.PartyKind {
			return Party{}, fmt.Errorf("%w: token does not match party kind", ErrAuthentication)
		}
	}

	return Party{Id: handshake.PartyId, Kind: handshake.PartyKind}, nil
}

// Open registers an authenticated connection and announces the party as online.
// A previous connection of the same party is closed.
func (g *Gateway) Open(conn Conn) {
	party := conn.Party()
	if previous := g.hub.Register(conn); previous != nil {
		g.log.Info("Connection replaced", "partyId", party.Id, "previousConnectionId", previous.Id())
		previous.Close(websocket.ClosePolicyViolation, "session replaced")
	}

	g.hub.Broadcast(OutgoingEvent{
		Event: EventUserOnlineStatus,
		Data:  OnlineStatus{PartyId: party.Id, Online: true},
	}, party.Id)
	g.log.Info("Connection opened", "partyId", party.Id, "partyKind", party.Kind, "connectionId", conn.Id())
}

// Close unregisters a connection. The party is announced offline only when conn
// was still its current connection.
func (g *Gateway) Close(conn Conn) {
	party := conn.Party()
	if !g.hub.Unregister(party.Id, conn) {
		g.log.Debug("Stale connection closed", "partyId", party.Id, "connectionId", conn.Id())
		return
	}

	g.hub.Broadcast(OutgoingEvent{
		Event: EventUserOnlineStatus,
		Data:  OnlineStatus{PartyId: party.Id, Online: false},
	}, party.Id)
	g.log.Info("Connection closed", "partyId", party.Id, "connectionId", conn.Id())
}

// Dispatch handles one inbound event. Failures are reported to conn only.
func (g *Gateway) Dispatch(ctx context.Context, conn Conn, event IncomingEvent) {
	r, ok := g.routes[event.Event]
	if !ok {
		g.reply(conn, EventError, event.Event, fmt.Errorf("%w: unknown event %q", ErrInvalidPayload, event.Event))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.eventTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error("Panic while handling event", "event", event.Event, "partyId", conn.Party().Id, "panic", rec)
			g.reply(conn, r.errorEvent, event.Event, errors.New("internal error"))
		}
	}()

	if err := r.handle(ctx, conn, event.Data); err != nil {
		g.reply(conn, r.errorEvent, event.Event, err)
	}
}

func (g *Gateway) reply(conn Conn, errorEvent string, inbound string, err error) {
	if errors.Is(err, ErrRecipientOffline) {
		g.log.Info("Recipient offline", "event", inbound, "partyId", conn.Party().Id)
	} else {
		g.log.Warn("Unable to handle event", "event", inbound, "partyId", conn.Party().Id, "error", err)
	}

	_ = conn.Send(OutgoingEvent{
		Event: errorEvent,
		Data: ErrorEvent{
			Event:   inbound,
			Code:    ErrorCode(err),
			Message: err.Error(),
		},
	})
}

func (g *Gateway) decode(data json.RawMessage, payload any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := g.validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (g *Gateway) notify(ctx context.Context, notification Notification) {
	if err := g.bus.Publish(ctx, notification); err != nil {
		g.log.Warn("Unable to publish notification", "type", notification.Type, "error", err)
	}
}

func (g *Gateway) sendMessage(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload SendMessagePayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}
	sender := conn.Party()
	if payload.SenderId != sender.Id {
		return fmt.Errorf("%w: sender does not match connection", ErrInvalidPayload)
	}

	recipient := Party{Id: payload.RecipientId, Kind: payload.RecipientType}
	message, err := g.chat.SendMessage(ctx, sender, recipient, payload.Content)
	if err != nil {
		return err
	}

	g.deliverMessage(ctx, conn, message)
	return nil
}

func (g *Gateway) sendCrossPartyMessage(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload SendCrossPartyMessagePayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}
	sender := conn.Party()
	if payload.SenderId != sender.Id || payload.SenderType != sender.Kind {
		return fmt.Errorf("%w: sender does not match connection", ErrInvalidPayload)
	}

	message, err := g.chat.SendCrossPartyMessage(ctx, payload.ConversationId, payload.Content, sender)
	if err != nil {
		return err
	}

	g.deliverMessage(ctx, conn, message)
	return nil
}

// deliverMessage acknowledges a stored message to its sender and pushes it to the receiver.
// An offline receiver finds the message in its history later.
func (g *Gateway) deliverMessage(ctx context.Context, conn Conn, message Message) {
	_ = conn.Send(OutgoingEvent{Event: EventMessageSent, Data: message})

	if !g.hub.SendTo(message.ReceiverId, OutgoingEvent{Event: EventNewMessage, Data: message}) {
		g.log.Debug("Receiver offline, message kept for history", "messageId", message.Id, "receiverId", message.ReceiverId)
	}

	g.notify(ctx, Notification{
		Type:      NotificationMessage,
		Recipient: message.ReceiverId,
		Sender:    message.SenderId,
		Content:   message.Content,
	})
}

func (g *Gateway) markRead(receiptEvent string) handlerFunc {
	return func(ctx context.Context, conn Conn, data json.RawMessage) error {
		var payload MarkReadPayload
		if err := g.decode(data, &payload); err != nil {
			return err
		}

		message, err := g.chat.GetMessage(ctx, payload.MessageId)
		if err != nil {
			return err
		}
		reader := conn.Party()
		if message.ReceiverId != reader.Id {
			return ErrNotParticipant
		}

		message, err = g.chat.MarkRead(ctx, message.Id)
		if err != nil {
			return err
		}

		receipt := OutgoingEvent{
			Event: receiptEvent,
			Data: ReadReceipt{
				MessageId:      message.Id,
				ConversationId: message.ConversationId,
				ReaderId:       reader.Id,
				SenderId:       message.SenderId,
			},
		}
		_ = conn.Send(receipt)
		g.hub.SendTo(message.SenderId, receipt)
		return nil
	}
}

// typing relays an indicator to the recipient, or to the conversation room. Nothing is stored
// and nothing is acknowledged. Only a member of the room can type into it.
func (g *Gateway) typing(relayEvent string) handlerFunc {
	return func(ctx context.Context, conn Conn, data json.RawMessage) error {
		var payload TypingPayload
		if err := g.decode(data, &payload); err != nil {
			return err
		}
		sender := conn.Party()
		event := OutgoingEvent{
			Event: relayEvent,
			Data:  TypingEvent{SenderId: sender.Id, ConversationId: payload.ConversationId},
		}

		if payload.RecipientId != "" {
			g.hub.SendTo(payload.RecipientId, event)
			return nil
		}
		if !g.hub.InRoom(payload.ConversationId, conn) {
			return fmt.Errorf("%w: join the conversation before typing in it", ErrNotParticipant)
		}
		g.hub.BroadcastRoom(payload.ConversationId, event, sender.Id)
		return nil
	}
}

func (g *Gateway) joinConversation(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload ConversationRoomPayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}

	conversation, err := g.chat.GetConversation(ctx, payload.ConversationId)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(conn.Party().Id) {
		return ErrNotParticipant
	}
	if !g.hub.Join(conversation.Id, conn) {
		return fmt.Errorf("%w: connection is no longer registered", ErrInvalidState)
	}

	return conn.Send(OutgoingEvent{Event: EventJoinedConversation, Data: RoomEvent{ConversationId: conversation.Id}})
}

func (g *Gateway) leaveConversation(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload ConversationRoomPayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}

	g.hub.Leave(payload.ConversationId, conn)
	return conn.Send(OutgoingEvent{Event: EventLeftConversation, Data: RoomEvent{ConversationId: payload.ConversationId}})
}

// callOffer starts a call. Offers to an offline party are refused and leave no call record.
func (g *Gateway) callOffer(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload CallOfferPayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}
	caller := conn.Party()

	if !g.hub.IsOnline(payload.RecipientId) {
		return fmt.Errorf("%w: %s cannot be reached", ErrRecipientOffline, payload.RecipientId)
	}

	media := MediaFlags{AudioEnabled: true, VideoEnabled: true}
	if payload.Media != nil {
		media = *payload.Media
	}

	start, err := g.calls.InitiateCall(ctx, caller.Id, payload.RecipientId, media)
	if err != nil {
		return err
	}

	for _, previous := range start.Superseded {
		g.hub.SendTo(previous.Counterpart(caller.Id), OutgoingEvent{
			Event: EventUserCallEnded,
			Data:  CallRef{CallId: previous.Id},
		})
	}

	call := start.Call
	delivered := g.hub.SendTo(call.RecipientId, OutgoingEvent{
		Event: EventIncomingCall,
		Data: IncomingCall{
			CallId:   call.Id,
			CallerId: call.CallerId,
			Offer:    payload.Offer,
			Media:    call.Media,
		},
	})
	if !delivered {
		// The recipient went away between the presence check and the push.
		if _, err := g.calls.EndCall(ctx, call.Id, caller.Id); err != nil {
			g.log.Warn("Unable to end undeliverable call", "callId", call.Id, "error", err)
		}
		return fmt.Errorf("%w: %s cannot be reached", ErrRecipientOffline, call.RecipientId)
	}

	_ = conn.Send(OutgoingEvent{
		Event: EventCallInitiated,
		Data:  CallInitiated{CallId: call.Id, RecipientId: call.RecipientId},
	})

	g.notify(ctx, Notification{
		Type:      NotificationCall,
		Recipient: call.RecipientId,
		Sender:    call.CallerId,
		Content:   "incoming call",
	})
	return nil
}

func (g *Gateway) callAnswer(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload CallAnswerPayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}
	recipient := conn.Party()

	call, err := g.calls.ActiveCallWith(ctx, recipient.Id, payload.CallerId)
	if err != nil {
		return err
	}
	call, err = g.calls.RespondToCall(ctx, call.Id, recipient.Id, true)
	if err != nil {
		return err
	}

	delivered := g.hub.SendTo(call.CallerId, OutgoingEvent{
		Event: EventCallAnswered,
		Data:  CallAnswered{CallId: call.Id, Answer: payload.Answer},
	})
	if !delivered {
		return fmt.Errorf("%w: %s cannot be reached", ErrRecipientOffline, call.CallerId)
	}
	return nil
}

func (g *Gateway) rejectCall(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload RejectCallPayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}
	recipient := conn.Party()

	call, err := g.calls.ActiveCallWith(ctx, recipient.Id, payload.CallerId)
	if err != nil {
		return err
	}
	call, err = g.calls.RespondToCall(ctx, call.Id, recipient.Id, false)
	if err != nil {
		return err
	}

	g.hub.SendTo(call.CallerId, OutgoingEvent{Event: EventCallRejected, Data: CallRef{CallId: call.Id}})
	return nil
}

func (g *Gateway) endCall(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload EndCallPayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}
	party := conn.Party()

	call, err := g.calls.ActiveCallWith(ctx, party.Id, payload.RecipientId)
	if err != nil {
		return err
	}
	call, err = g.calls.EndCall(ctx, call.Id, party.Id)
	if err != nil {
		return err
	}

	ended := OutgoingEvent{Event: EventUserCallEnded, Data: CallRef{CallId: call.Id}}
	g.hub.SendTo(call.Counterpart(party.Id), ended)
	_ = conn.Send(ended)
	return nil
}

func (g *Gateway) iceCandidate(ctx context.Context, conn Conn, data json.RawMessage) error {
	var payload IceCandidatePayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}

	delivered := g.hub.SendTo(payload.RecipientId, OutgoingEvent{
		Event: EventIceCandidate,
		Data:  IceCandidate{SenderId: conn.Party().Id, Candidate: payload.Candidate},
	})
	if !delivered {
		return fmt.Errorf("%w: %s cannot be reached", ErrRecipientOffline, payload.RecipientId)
	}
	return nil
}

// NotifyMediaUpdated pushes the new media flags of a call to both participants.
func (g *Gateway) NotifyMediaUpdated(call CallRecord) {
	event := OutgoingEvent{Event: EventCallMediaUpdated, Data: call}
	g.hub.SendTo(call.CallerId, event)
	g.hub.SendTo(call.RecipientId, event)
}

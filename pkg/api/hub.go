package api

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// Conn is a live connection of an authenticated party.
type Conn interface {
	// Id identifies this connection, distinct across reconnects of the same party.
	Id() string
	Party() Party
	// Send queues event for delivery. It never blocks on the network.
	Send(event OutgoingEvent) error
	Close(code int, reason string)
}

// Hub is the presence registry: it maps each online party to its current
// connection and tracks conversation room membership.
// Registry state lives in this process only; other instances do not see it.
type Hub struct {
	mu sync.RWMutex

	// Registered connections, one per party. Later registration wins.
	clients map[string]Conn

	// Conversation rooms: conversationId -> partyId -> connection.
	rooms map[string]map[string]Conn

	log *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]Conn),
		rooms:   make(map[string]map[string]Conn),
		log:     log,
	}
}

// Register makes conn the connection of its party and returns the connection it replaced, if any.
func (h *Hub) Register(conn Conn) Conn {
	partyId := conn.Party().Id

	h.mu.Lock()
	previous := h.clients[partyId]
	h.clients[partyId] = conn
	if previous != nil {
		h.leaveAllLocked(partyId, previous)
	}
	h.mu.Unlock()

	h.log.Debug("Registered connection", "partyId", partyId, "connectionId", conn.Id())
	if previous != nil && previous.Id() != conn.Id() {
		return previous
	}
	return nil
}

// Unregister removes the party's entry if conn is still the registered connection.
// A stale connection going away never evicts a newer one.
func (h *Hub) Unregister(partyId string, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.clients[partyId]
	if !ok || current.Id() != conn.Id() {
		return false
	}
	delete(h.clients, partyId)
	h.leaveAllLocked(partyId, conn)

	h.log.Debug("Unregistered connection", "partyId", partyId, "connectionId", conn.Id())
	return true
}

func (h *Hub) Lookup(partyId string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.clients[partyId]
	return conn, ok
}

func (h *Hub) IsOnline(partyId string) bool {
	_, ok := h.Lookup(partyId)
	return ok
}

// OnlineParties returns the ids of every party with a registered connection.
func (h *Hub) OnlineParties() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return lo.Keys(h.clients)
}

// SendTo pushes event to the party's current connection. It reports whether the party was reachable.
func (h *Hub) SendTo(partyId string, event OutgoingEvent) bool {
	conn, ok := h.Lookup(partyId)
	if !ok {
		return false
	}
	if err := conn.Send(event); err != nil {
		h.log.Debug("Unable to push event", "partyId", partyId, "event", event.Event, "error", err)
		return false
	}
	return true
}

// Broadcast pushes event to every connection except the one of excludePartyId.
func (h *Hub) Broadcast(event OutgoingEvent, excludePartyId string) int {
	h.mu.RLock()
	targets := lo.Values(h.clients)
	h.mu.RUnlock()

	return h.deliver(targets, event, excludePartyId)
}

// Join adds conn to a conversation room. Only a registered connection can join.
func (h *Hub) Join(conversationId string, conn Conn) bool {
	partyId := conn.Party().Id

	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[partyId]; !ok || current.Id() != conn.Id() {
		return false
	}
	room := h.rooms[conversationId]
	if room == nil {
		room = make(map[string]Conn)
		h.rooms[conversationId] = room
	}
	room[partyId] = conn
	return true
}

func (h *Hub) Leave(conversationId string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(conversationId, conn.Party().Id, conn)
}

// InRoom reports whether conn is the member of a conversation room for its party.
func (h *Hub) InRoom(conversationId string, conn Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	member, ok := h.rooms[conversationId][conn.Party().Id]
	return ok && member.Id() == conn.Id()
}

// BroadcastRoom pushes event to every member of a conversation room except excludePartyId.
func (h *Hub) BroadcastRoom(conversationId string, event OutgoingEvent, excludePartyId string) int {
	h.mu.RLock()
	targets := lo.Values(h.rooms[conversationId])
	h.mu.RUnlock()

	return h.deliver(targets, event, excludePartyId)
}

// CloseAll closes every registered connection. Used on shutdown.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	conns := lo.Values(h.clients)
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}
}

func (h *Hub) deliver(targets []Conn, event OutgoingEvent, excludePartyId string) int {
	delivered := 0
	for _, conn := range targets {
		if excludePartyId != "" && conn.Party().Id == excludePartyId {
			continue
		}
		if err := conn.Send(event); err == nil {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) leaveAllLocked(partyId string, conn Conn) {
	for conversationId := range h.rooms {
		h.leaveLocked(conversationId, partyId, conn)
	}
}

func (h *Hub) leaveLocked(conversationId string, partyId string, conn Conn) {
	room := h.rooms[conversationId]
	if room == nil {
		return
	}
	if member, ok := room[partyId]; ok && member.Id() == conn.Id() {
		delete(room, partyId)
	}
	if len(room) == 0 {
		delete(h.rooms, conversationId)
	}
}

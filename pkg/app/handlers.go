package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"realtimeService/pkg/api"
	myMiddleware "realtimeService/pkg/middleware"
)

const maxPatchSize = 16 * 1024

type StartConversationRequest struct {
	Counterparty api.Party `json:"counterparty" validate:"required"`
}

type UnreadCount struct {
	Count int `json:"count"`
}

func (s *Server) GetConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())

		conversations, err := s.chat.GetConversations(r.Context(), party.Id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, conversations)
	}
}

func (s *Server) StartConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())

		var request StartConversationRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", api.ErrInvalidPayload, err))
			return
		}
		if err := s.validate.Struct(request); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", api.ErrInvalidPayload, err))
			return
		}

		conversation, err := s.chat.StartConversation(r.Context(), party, request.Counterparty)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.log.Info("Conversation ready", "conversationId", conversation.Id, "partyId", party.Id)
		s.writeJSON(w, http.StatusCreated, conversation)
	}
}

func (s *Server) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		conversation, err := s.chat.GetConversation(r.Context(), conversationId)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !conversation.HasParticipant(party.Id) {
			s.writeError(w, r, api.ErrNotParticipant)
			return
		}
		s.writeJSON(w, http.StatusOK, conversation)
	}
}

func (s *Server) GetConversationMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		messages, err := s.chat.GetConversationMessages(r.Context(), conversationId, party.Id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, emptyIfNil(messages))
	}
}

func (s *Server) GetDirectMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())

		messages, err := s.chat.GetDirectMessages(r.Context(), party, chi.URLParam(r, "partyId"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, emptyIfNil(messages))
	}
}

func (s *Server) GetUnreadCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())

		count, err := s.chat.GetUnreadCount(r.Context(), party.Id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, UnreadCount{Count: count})
	}
}

func (s *Server) SearchMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())

		messages, err := s.chat.Search(r.Context(), party.Id, r.URL.Query().Get("q"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, emptyIfNil(messages))
	}
}

func (s *Server) GetConnections() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())

		connections, err := s.chat.GetConnections(r.Context(), party.Id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, emptyIfNil(connections))
	}
}

func (s *Server) GetPresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partyId := chi.URLParam(r, "partyId")
		s.writeJSON(w, http.StatusOK, api.OnlineStatus{PartyId: partyId, Online: s.hub.IsOnline(partyId)})
	}
}

func (s *Server) GetActiveCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())

		call, ok, err := s.calls.ActiveCall(r.Context(), party.Id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeJSON(w, http.StatusOK, call)
	}
}

// UpdateCallMedia applies a JSON Patch to the media flags of an active call.
func (s *Server) UpdateCallMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, _ := myMiddleware.PartyFromContext(r.Context())
		callId := chi.URLParam(r, "callId")

		patchJSON, err := io.ReadAll(io.LimitReader(r.Body, maxPatchSize))
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", api.ErrInvalidPayload, err))
			return
		}

		call, err := s.calls.UpdateMedia(r.Context(), callId, party.Id, patchJSON)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.gateway.NotifyMediaUpdated(call)
		s.writeJSON(w, http.StatusOK, call)
	}
}

// ServeWs authenticates the handshake and upgrades to a session. A handshake that
// does not verify is refused before the upgrade.
func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handshake := myMiddleware.HandshakeFromRequest(r)

		ctx, cancel := context.WithTimeout(r.Context(), s.options.AuthTimeout)
		party, err := s.gateway.Authenticate(ctx, handshake)
		cancel()
		if err != nil {
			s.log.Info("Handshake rejected", "partyId", handshake.PartyId, "error", err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("Unable to upgrade connection", "partyId", party.Id, "error", err)
			return
		}

		client := api.NewClient(s.gateway, conn, party, s.options.SendBufferSize, s.log)
		s.gateway.Open(client)

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go client.WritePump()
		go client.ReadPump(s.baseCtx)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("Unable to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, api.ErrorEvent{Code: api.ErrorCode(err), Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, api.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrRecipientOffline):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

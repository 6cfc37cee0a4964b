package api

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrRecipientOffline = errors.New("recipient offline")
	ErrStorage          = errors.New("storage failure")
	ErrInvalidPayload   = errors.New("invalid payload")

	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("message %w", ErrNotFound)
	ErrCallNotFound         = fmt.Errorf("call %w", ErrNotFound)
	ErrNotParticipant       = fmt.Errorf("%w: party is not a participant", ErrInvalidState)
)

// ErrorCode maps an error to the code reported to clients in error events.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return "authentication_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrRecipientOffline):
		return "recipient_offline"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrStorage):
		return "storage_failure"
	default:
		return "internal"
	}
}

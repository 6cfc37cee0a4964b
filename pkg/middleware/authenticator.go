package middleware

import (
	"context"
	"net/http"
	"strings"

	"realtimeService/pkg/api"
)

type contextKey string

const partyKey contextKey = "party"

// PartyAuthenticator resolves the party behind a handshake. *api.Gateway satisfies it.
type PartyAuthenticator interface {
	Authenticate(ctx context.Context, handshake api.Handshake) (api.Party, error)
}

// Authenticator rejects requests whose identity does not verify and stores the
// authenticated party in the request context.
func Authenticator(authenticator PartyAuthenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			party, err := authenticator.Authenticate(r.Context(), HandshakeFromRequest(r))
			if err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), partyKey, party)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PartyFromContext returns the party stored by Authenticator.
func PartyFromContext(ctx context.Context) (api.Party, bool) {
	party, ok := ctx.Value(partyKey).(api.Party)
	return party, ok
}

// HandshakeFromRequest reads the identity a request presents. Headers win over query params,
// which browsers opening a websocket must use.
func HandshakeFromRequest(r *http.Request) api.Handshake {
	return api.Handshake{
		PartyId:   findValue(r, "X-Party-Id", "partyId"),
		PartyKind: api.PartyKind(findValue(r, "X-Party-Kind", "partyKind")),
		Token:     FindToken(r, tokenFromHeader, tokenFromQuery),
	}
}

func findValue(r *http.Request, header string, param string) string {
	if value := r.Header.Get(header); value != "" {
		return value
	}
	return r.URL.Query().Get(param)
}

func tokenFromHeader(r *http.Request) string {
	// Get token from authorization header.
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return bearer[7:]
	}
	return ""
}

func tokenFromQuery(r *http.Request) string {
	// Get token from query param named "token".
	return r.URL.Query().Get("token")
}

func FindToken(r *http.Request, findTokenFns ...func(r *http.Request) string) string {
	var tokenString string

	for _, fn := range findTokenFns {
		tokenString = fn(r)
		if tokenString != "" {
			break
		}
	}

	return tokenString
}

package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/dispatch"
	"github.com/certdispatch/certdispatch/internal/token"
)

// AgentTokenHeader carries the agent secret on every agent request.
const AgentTokenHeader = "X-Agent-Token"

// agentTokenKey is the context key for the authenticated agent token.
type agentTokenKey struct{}

// AgentAuthenticator resolves a presented agent secret to a token.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, presented string) (token.Token, error)
}

var forbiddenBody = []byte(`{"error":"forbidden"}`)

// AgentAuth authenticates agent requests by their X-Agent-Token header.
// Rejections use the agent wire format, a bare {"error":"forbidden"} body,
// rather than a problem document.
func AgentAuth(authenticator AgentAuthenticator, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, err := authenticator.Authenticate(r.Context(), r.Header.Get(AgentTokenHeader))
			if err != nil {
				if errors.Is(err, dispatch.ErrForbidden) {
					WriteForbidden(w)
					return
				}
				requestID := GetRequestID(r.Context())
				log.Error().Err(err).Str("request_id", requestID).Msg("agent authentication unavailable")
				problem := models.NewServiceUnavailable(requestID, "agent authentication is temporarily unavailable")
				problem.Instance = r.URL.Path
				problem.Write(w)
				return
			}

			annotate(r.Context(), func(a *annotations) { a.tokenID = tok.ID })
			ctx := context.WithValue(r.Context(), agentTokenKey{}, tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteForbidden writes the agent protocol's 403 response.
func WriteForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write(forbiddenBody)
}

// GetAgentToken returns the token authenticated by AgentAuth.
func GetAgentToken(ctx context.Context) (token.Token, bool) {
	tok, ok := ctx.Value(agentTokenKey{}).(token.Token)
	return tok, ok
}

// GetAgentTokenID returns the id of the authenticated agent token, or "".
func GetAgentTokenID(ctx context.Context) string {
	if tok, ok := GetAgentToken(ctx); ok {
		return tok.ID
	}
	return ""
}

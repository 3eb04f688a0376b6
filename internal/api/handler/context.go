package handler

import (
	"net/http"

	"github.com/certdispatch/certdispatch/internal/api/middleware"
	"github.com/certdispatch/certdispatch/internal/token"
)

// agentToken returns the token authenticated by middleware.AgentAuth.
// Handlers behind AgentAuth can rely on it being present.
func agentToken(r *http.Request) token.Token {
	tok, _ := middleware.GetAgentToken(r.Context())
	return tok
}

// operator returns the authenticated operator, for log fields.
func operator(r *http.Request) string {
	return middleware.GetOperator(r.Context())
}

package authcore

import (
	"context"

	"github.com/harborline/authcore/token"
)

type contextKey int

const claimsContextKey contextKey = iota

// ContextWithClaims attaches verified token claims to a context, for
// transport layers that authenticate once and pass identity downstream.
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims attached by ContextWithClaims.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return claims, ok
}

// Authenticate verifies a bearer access token and returns its claims.
// This is the entry point for request middleware.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*token.Claims, error) {
	claims, err := e.tokens.VerifyToken(ctx, accessToken, token.TypeAccess)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	sess, err := e.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, internalError("authenticate", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return claims, nil
}

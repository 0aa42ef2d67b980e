package middleware

import (
	"net/http"

	authcore "github.com/harborline/authcore"
	"github.com/harborline/authcore/rbac"
)

// RequirePermission checks that the authenticated user may perform
// action on resource. It must run after Guard; a request without
// injected claims is rejected. The resource ID, when relevant, is taken
// from the route via extractID; pass nil for type-level checks.
func RequirePermission(engine *authcore.Engine, resource, action string, extractID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authcore.ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			req := rbac.CheckRequest{
				UserID:   claims.Subject,
				TeamID:   claims.TeamID,
				Resource: resource,
				Action:   action,
			}
			if extractID != nil {
				req.ResourceID = extractID(r)
			}

			if d := engine.Access().HasPermission(r.Context(), req); !d.Granted {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

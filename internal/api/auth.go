// ABOUTME: API key authentication middleware for the /api/v1 routes.
// ABOUTME: Active only when API_KEY_HASHES is set; accepts Bearer or X-API-Key.
package api

import (
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/queued/internal/auth"
)

// apiKeyFromRequest extracts the raw key from the Authorization bearer token
// or the X-API-Key header.
func apiKeyFromRequest(ctx huma.Context) string {
	if h := ctx.Header("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(ctx.Header("X-API-Key"))
}

// apiKeyMiddleware rejects requests without a key from ks with 401.
func apiKeyMiddleware(api huma.API, ks *auth.KeySet) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if !ks.Verify(apiKeyFromRequest(ctx)) {
			ctx.SetHeader("WWW-Authenticate", `Bearer realm="queued"`)
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing or invalid API key") //nolint:errcheck
			return
		}
		next(ctx)
	}
}

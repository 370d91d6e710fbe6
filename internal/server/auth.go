package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/SyncPipe/internal/remote"
)

type deviceKey struct{}

// anonymousDevice identifies callers when authentication is disabled.
const anonymousDevice = "anonymous"

// authenticate requires a valid device bearer token and stores the device ID in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenSecret == "" {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, anonymousDevice)))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			slog.Warn("Server.authenticate: missing bearer token", "path", r.URL.Path)
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		deviceID, err := remote.ParseDeviceToken(s.tokenSecret, token)
		if err != nil {
			slog.Warn("Server.authenticate: invalid token", "path", r.URL.Path, "error", err)
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, deviceID)))
	})
}

// deviceFrom returns the authenticated device ID.
func deviceFrom(ctx context.Context) string {
	if id, ok := ctx.Value(deviceKey{}).(string); ok {
		return id
	}
	return anonymousDevice
}

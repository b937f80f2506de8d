package rpc

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/satsend/pkg/helpers"
)

// CookieFile holds the generated bearer token when none is configured.
const CookieFile = "rpc.cookie"

// Options controls who may talk to the server.
type Options struct {
	// AuthToken is required as "Authorization: Bearer <token>" on every
	// request. Empty disables authentication.
	AuthToken string

	// AllowedOrigins lists browser origins allowed to call the server.
	// Requests carrying any other Origin header are refused.
	AllowedOrigins []string
}

// WriteCookie generates a fresh random token and writes it to
// dataDir/rpc.cookie, readable by the owner only.
func WriteCookie(dataDir string) (string, error) {
	raw, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, CookieFile)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("failed to write cookie: %w", err)
	}
	return token, nil
}

// originAllowed reports whether a request's Origin may reach the server.
// Requests without an Origin header do not come from a browser page.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// authorized checks the bearer token. Browsers cannot set headers on a
// WebSocket handshake, so /ws also accepts ?token=.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}

	presented := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	} else if r.URL.Path == "/ws" {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.opts.AuthToken)) == 1
}

// guard enforces the origin allow-list and the bearer token, and adds CORS
// headers for allowed origins.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r) {
			s.log.Warn("Rejected request from disallowed origin", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")
		}

		// Preflights carry no credentials.
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="satsend"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

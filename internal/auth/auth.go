// Package auth manages the bearer token that guards a host's WebSocket
// endpoint.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// GenerateToken creates a random token and writes it to dataDir/token with
// permissions 0600.
func GenerateToken(dataDir string) (string, error) {
	token := rand.Text()
	if err := writeToken(dataDir, token); err != nil {
		return "", err
	}
	return token, nil
}

// LoadOrGenerateToken returns the auth token using this priority:
//  1. STREAMWIRE_TOKEN environment variable (also written to disk)
//  2. Existing token file on disk
//  3. Newly generated token
func LoadOrGenerateToken(dataDir string) (string, error) {
	if envToken := strings.TrimSpace(os.Getenv("STREAMWIRE_TOKEN")); envToken != "" {
		if err := writeToken(dataDir, envToken); err != nil {
			return "", err
		}
		return envToken, nil
	}

	if data, err := os.ReadFile(tokenPath(dataDir)); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	return GenerateToken(dataDir)
}

// Validate reports whether candidate matches expected, in constant time.
// An empty expected token never matches.
func Validate(expected, candidate string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	candidate = strings.TrimSpace(candidate)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer" header,
// falling back to the token query parameter for clients that cannot set
// handshake headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Header returns a handshake header carrying token.
func Header(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// Require wraps next so that requests without the expected token get 401.
// onFail, if set, runs for every rejected request.
func Require(expected string, next http.Handler, onFail func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Validate(expected, BearerToken(r)) {
			if onFail != nil {
				onFail()
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="streamwire"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeToken(dataDir, token string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	path := tokenPath(dataDir)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token to %s: %w", path, err)
	}
	return nil
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "token")
}

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// newIdentityHandler simulates the identity provider's user endpoint. The
// user ID is derived from the token so each token is a stable identity.
func newIdentityHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		token := bearer(r)
		if token == "" || (len(cfg.ValidTokens) > 0 && !cfg.ValidTokens[token]) {
			writeError(w, http.StatusUnauthorized, "invalid token", "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"id":   userIDFor(token),
			"role": "authenticated",
		})
	})

	return mux
}

func userIDFor(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "user-" + hex.EncodeToString(sum[:8])
}

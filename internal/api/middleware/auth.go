package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/models"
)

// RequireAPIToken guards the administrative surface. Tokens are accepted
// from the X-API-Token header or an Authorization: Bearer header and are
// checked against their stored hashes.
func RequireAPIToken(tokens *models.APITokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken := r.Header.Get("X-API-Token")
			if rawToken == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					rawToken = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if rawToken == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			token, err := tokens.Validate(r.Context(), rawToken)
			if err != nil {
				log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Invalid API token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			log.Debug().Int("tokenID", token.ID).Str("name", token.Name).Msg("API token authenticated")
			next.ServeHTTP(w, r)
		})
	}
}

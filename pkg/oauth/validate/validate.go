// Package validate gates protected routes behind a currently-valid access
// token. Every rejection is the same 401 body; a caller cannot tell a missing
// header from an unknown or expired token.
package validate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/authrelay/authrelay/pkg/handlerutils"
	"github.com/authrelay/authrelay/pkg/types"
)

type TokenStore interface {
	GetAccessToken(token string) (*types.AccessToken, error)
}

// Identity is what bearer validation resolves for downstream logic. The
// middleware itself does not authorize by identity; the allowlist already ran
// at issuance time.
type Identity struct {
	ClientID string
	Email    string
}

type TokenValidator struct {
	db        TokenStore
	publicURL string
}

func NewTokenValidator(db TokenStore, publicURL string) *TokenValidator {
	return &TokenValidator{
		db:        db,
		publicURL: publicURL,
	}
}

func (p *TokenValidator) unauthorized(w http.ResponseWriter, r *http.Request) {
	resourceMetadataURL := fmt.Sprintf("%s/.well-known/oauth-protected-resource",
		handlerutils.BaseURL(r, p.publicURL))
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, resourceMetadataURL))
	handlerutils.JSON(w, http.StatusUnauthorized, map[string]string{
		"error": "Unauthorized",
	})
}

// WithTokenValidation wraps next so it only runs for requests presenting a
// currently-valid bearer token.
func (p *TokenValidator) WithTokenValidation(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			p.unauthorized(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			p.unauthorized(w, r)
			return
		}

		token, err := p.db.GetAccessToken(parts[1])
		if err != nil || time.Now().After(token.ExpiresAt) {
			p.unauthorized(w, r)
			return
		}

		identity := &Identity{
			ClientID: token.ClientID,
			Email:    token.Email,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

// GetIdentity returns the identity resolved by WithTokenValidation, or nil
// when the request did not pass through it.
func GetIdentity(r *http.Request) *Identity {
	identity, _ := r.Context().Value(identityKey{}).(*Identity)
	return identity
}

type identityKey struct{}

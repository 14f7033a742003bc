// Package token implements the token endpoint for the authorization_code and
// refresh_token grants.
package token

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/authrelay/authrelay/pkg/encryption"
	"github.com/authrelay/authrelay/pkg/handlerutils"
	"github.com/authrelay/authrelay/pkg/types"
)

type TokenStore interface {
	GetClient(clientID string) (*types.Client, error)
	TakeAuthCode(code string) (*types.AuthorizationCode, error)
	StoreAccessToken(token *types.AccessToken) error
	StoreRefreshToken(token *types.RefreshToken) error
	GetRefreshToken(token string) (*types.RefreshToken, error)
}

type Handler struct {
	db TokenStore
}

func NewHandler(db TokenStore) http.Handler {
	return &Handler{
		db: db,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	clientID := r.FormValue("client_id")
	if clientID == "" {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	// A registered client is confidential and must present its secret. An
	// unregistered client id is accepted as a public client; for those, PKCE
	// is the only binding. Any lookup failure other than not-found fails
	// closed rather than downgrading the client to public.
	client, err := p.db.GetClient(clientID)
	switch {
	case err == nil:
		if client.ClientSecret != r.FormValue("client_secret") {
			handlerutils.Error(w, http.StatusUnauthorized, "invalid_client", "Invalid client secret")
			return
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		log.Printf("Failed to look up client %s: %v", clientID, err)
		handlerutils.Error(w, http.StatusInternalServerError, "server_error", "Failed to look up client")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		p.handleAuthorizationCodeGrant(w, r, clientID)
	case "refresh_token":
		p.handleRefreshTokenGrant(w, r, clientID)
	default:
		handlerutils.Error(w, http.StatusBadRequest, "unsupported_grant_type",
			"The grant type is not supported by this authorization server")
	}
}

func (p *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientID string) {
	// The code is consumed on lookup, before any validation. A code that
	// fails PKCE or binding checks is gone; replay probing gets nothing.
	authCode, err := p.db.TakeAuthCode(r.FormValue("code"))
	if err != nil {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_grant", "Invalid authorization code")
		return
	}

	if time.Now().After(authCode.ExpiresAt) {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_grant", "Authorization code has expired")
		return
	}

	if authCode.ClientID != clientID {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_grant", "Client ID mismatch")
		return
	}

	if authCode.RedirectURI != r.FormValue("redirect_uri") {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_grant", "Redirect URI mismatch")
		return
	}

	codeVerifier := r.FormValue("code_verifier")
	if codeVerifier == "" {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
		return
	}

	hash := sha256.Sum256([]byte(codeVerifier))
	if base64.RawURLEncoding.EncodeToString(hash[:]) != authCode.CodeChallenge {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_grant", "Invalid PKCE code_verifier")
		return
	}

	accessToken := encryption.GenerateRandomString(32)
	refreshToken := encryption.GenerateRandomString(32)

	if err := p.db.StoreAccessToken(&types.AccessToken{
		Token:    accessToken,
		ClientID: clientID,
		Email:    authCode.Email,
	}); err != nil {
		log.Printf("Failed to store access token: %v", err)
		handlerutils.Error(w, http.StatusInternalServerError, "server_error", "Failed to store token")
		return
	}

	if err := p.db.StoreRefreshToken(&types.RefreshToken{
		Token:    refreshToken,
		ClientID: clientID,
		Email:    authCode.Email,
	}); err != nil {
		log.Printf("Failed to store refresh token: %v", err)
		handlerutils.Error(w, http.StatusInternalServerError, "server_error", "Failed to store token")
		return
	}

	handlerutils.JSON(w, http.StatusOK, types.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshToken: refreshToken,
	})
}

func (p *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientID string) {
	refreshToken, err := p.db.GetRefreshToken(r.FormValue("refresh_token"))
	if err != nil {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_grant", "Invalid refresh token")
		return
	}

	if refreshToken.ClientID != clientID {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_grant",
			"Token does not belong to the requesting client")
		return
	}

	// A new access token only. The refresh token is never rotated and stays
	// usable.
	accessToken := encryption.GenerateRandomString(32)
	if err := p.db.StoreAccessToken(&types.AccessToken{
		Token:    accessToken,
		ClientID: clientID,
		Email:    refreshToken.Email,
	}); err != nil {
		log.Printf("Failed to store access token: %v", err)
		handlerutils.Error(w, http.StatusInternalServerError, "server_error", "Failed to store token")
		return
	}

	handlerutils.JSON(w, http.StatusOK, types.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   3600,
	})
}

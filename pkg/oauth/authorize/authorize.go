// Package authorize implements the broker's authorization endpoint. A valid
// request is recorded as a pending authorization under a fresh anti-forgery
// state token and the end user is redirected to the upstream IdP. The
// caller's own client_id, redirect_uri and PKCE challenge are never exposed
// upstream; they are recovered at the callback from the stored record.
package authorize

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"gorm.io/gorm"

	"github.com/authrelay/authrelay/pkg/encryption"
	"github.com/authrelay/authrelay/pkg/handlerutils"
	"github.com/authrelay/authrelay/pkg/types"
)

type AuthorizationStore interface {
	GetClient(clientID string) (*types.Client, error)
	StorePendingAuthorization(pending *types.PendingAuthorization) error
}

// UpstreamAuthorizer builds the upstream IdP authorization URL for a given
// anti-forgery state token.
type UpstreamAuthorizer interface {
	AuthCodeURL(state, redirectURI string) string
}

type Handler struct {
	db        AuthorizationStore
	idp       UpstreamAuthorizer
	publicURL string
}

func NewHandler(db AuthorizationStore, idp UpstreamAuthorizer, publicURL string) http.Handler {
	return &Handler{
		db:        db,
		idp:       idp,
		publicURL: publicURL,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	responseType := params.Get("response_type")
	clientID := params.Get("client_id")
	redirectURI := params.Get("redirect_uri")
	codeChallenge := params.Get("code_challenge")
	codeChallengeMethod := params.Get("code_challenge_method")
	clientState := params.Get("state")

	// All validation happens before any state is created.
	if responseType != "code" {
		handlerutils.Error(w, http.StatusBadRequest, "unsupported_response_type",
			"Only the 'code' response type is supported")
		return
	}

	if clientID == "" || redirectURI == "" {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_request",
			"client_id and redirect_uri are required")
		return
	}

	if codeChallenge == "" {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_request",
			"code_challenge is required")
		return
	}

	if codeChallengeMethod != "S256" {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_request",
			"Only the S256 code_challenge_method is supported")
		return
	}

	// Registered clients must use one of their registered redirect URIs.
	// Unregistered (public) clients are accepted; PKCE is their only binding.
	// Lookup failures other than not-found fail closed rather than skipping
	// the redirect URI check.
	client, err := p.db.GetClient(clientID)
	switch {
	case err == nil:
		valid := false
		for _, uri := range client.RedirectURIs {
			if uri == redirectURI {
				valid = true
				break
			}
		}
		if !valid {
			handlerutils.Error(w, http.StatusBadRequest, "invalid_request", "Invalid redirect URI")
			return
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		log.Printf("Failed to look up client %s: %v", clientID, err)
		handlerutils.Error(w, http.StatusInternalServerError, "server_error", "Failed to look up client")
		return
	}

	state := encryption.GenerateRandomString(32)
	pending := &types.PendingAuthorization{
		State:               state,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		ClientState:         clientState,
	}

	if err := p.db.StorePendingAuthorization(pending); err != nil {
		handlerutils.Error(w, http.StatusInternalServerError, "server_error",
			"Failed to store authorization request")
		return
	}

	callbackURL := fmt.Sprintf("%s/oauth/callback", handlerutils.BaseURL(r, p.publicURL))
	http.Redirect(w, r, p.idp.AuthCodeURL(state, callbackURL), http.StatusFound)
}

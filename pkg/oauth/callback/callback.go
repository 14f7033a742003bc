// Package callback handles the redirect back from the upstream IdP. It
// consumes the pending authorization, resolves the upstream identity,
// enforces the allowlist and mints the broker's own authorization code. The
// IdP's code never reaches the external client; the broker's code is what
// gets redeemed at the token endpoint, bound to the original client and its
// PKCE challenge.
package callback

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/authrelay/authrelay/pkg/allowlist"
	"github.com/authrelay/authrelay/pkg/encryption"
	"github.com/authrelay/authrelay/pkg/handlerutils"
	"github.com/authrelay/authrelay/pkg/idp"
	"github.com/authrelay/authrelay/pkg/types"
)

type Store interface {
	TakePendingAuthorization(state string) (*types.PendingAuthorization, error)
	StoreAuthCode(code *types.AuthorizationCode) error
}

// UpstreamExchanger trades the IdP's authorization code for an identity.
type UpstreamExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (*idp.Identity, error)
}

type Handler struct {
	db        Store
	idp       UpstreamExchanger
	allowed   *allowlist.Allowlist
	publicURL string
}

func NewHandler(db Store, idpClient UpstreamExchanger, allowed *allowlist.Allowlist, publicURL string) http.Handler {
	return &Handler{
		db:        db,
		idp:       idpClient,
		allowed:   allowed,
		publicURL: publicURL,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	idpError := r.URL.Query().Get("error")

	// An upstream error ends the flow visibly; there is nothing to recover.
	if idpError != "" {
		handlerutils.Error(w, http.StatusBadRequest, idpError,
			r.URL.Query().Get("error_description"))
		return
	}

	if code == "" || state == "" {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_request",
			"Missing code or state parameter")
		return
	}

	// The pending authorization is consumed here, exactly once. A racing
	// callback, a replay, or the sweep having evicted an expired record all
	// land on the same outcome.
	pending, err := p.db.TakePendingAuthorization(state)
	if err != nil || time.Now().After(pending.ExpiresAt) {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_request",
			"Invalid or expired state parameter")
		return
	}

	callbackURL := fmt.Sprintf("%s/oauth/callback", handlerutils.BaseURL(r, p.publicURL))

	identity, err := p.idp.Exchange(r.Context(), code, callbackURL)
	if err != nil {
		log.Printf("Upstream exchange failed: %v", err)
		handlerutils.Error(w, http.StatusInternalServerError, "server_error",
			"Authentication failed")
		return
	}

	if !p.allowed.Allowed(identity.Email) {
		log.Printf("Denied authentication for %s: not in allowlist", identity.Email)
		handlerutils.Error(w, http.StatusForbidden, "access_denied", "Access denied")
		return
	}

	authCode := encryption.GenerateRandomString(32)
	if err := p.db.StoreAuthCode(&types.AuthorizationCode{
		Code:                authCode,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Email:               identity.Email,
	}); err != nil {
		log.Printf("Failed to store authorization code: %v", err)
		handlerutils.Error(w, http.StatusInternalServerError, "server_error",
			"Failed to store authorization code")
		return
	}

	redirectURL, err := url.Parse(pending.RedirectURI)
	if err != nil {
		handlerutils.Error(w, http.StatusInternalServerError, "server_error", "Invalid redirect URL")
		return
	}

	query := redirectURL.Query()
	query.Set("code", authCode)
	if pending.ClientState != "" {
		query.Set("state", pending.ClientState)
	}
	redirectURL.RawQuery = query.Encode()

	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

package callback_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrelay/authrelay/pkg/allowlist"
	"github.com/authrelay/authrelay/pkg/idp"
	"github.com/authrelay/authrelay/pkg/oauth/callback"
	"github.com/authrelay/authrelay/pkg/store"
	"github.com/authrelay/authrelay/pkg/types"
)

type fakeExchanger struct {
	identity *idp.Identity
	err      error
	calls    int
}

func (f *fakeExchanger) Exchange(ctx context.Context, code, redirectURI string) (*idp.Identity, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

func newHandler(t *testing.T, exchanger *fakeExchanger, allowed string) (http.Handler, *store.Store) {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return callback.NewHandler(s, exchanger, allowlist.Parse(allowed), ""), s
}

func seedPending(t *testing.T, s *store.Store, state, clientState string) {
	t.Helper()
	require.NoError(t, s.StorePendingAuthorization(&types.PendingAuthorization{
		State:               state,
		ClientID:            "client-1",
		RedirectURI:         "https://client.example/cb",
		CodeChallenge:       "challenge-value",
		CodeChallengeMethod: "S256",
		ClientState:         clientState,
	}))
}

func get(handler http.Handler, query url.Values) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/oauth/callback?"+query.Encode(), nil)
	handler.ServeHTTP(w, req)
	return w
}

func TestCallbackSuccess(t *testing.T) {
	exchanger := &fakeExchanger{identity: &idp.Identity{Subject: "sub-1", Email: "a@x.com"}}
	handler, s := newHandler(t, exchanger, "")
	seedPending(t, s, "state-1", "xyz")

	w := get(handler, url.Values{"code": {"upstream-code"}, "state": {"state-1"}})
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.example", location.Host)
	assert.Equal(t, "xyz", location.Query().Get("state"))

	// The minted code is bound to the pending authorization and identity.
	code, err := s.TakeAuthCode(location.Query().Get("code"))
	require.NoError(t, err)
	assert.Equal(t, "client-1", code.ClientID)
	assert.Equal(t, "https://client.example/cb", code.RedirectURI)
	assert.Equal(t, "challenge-value", code.CodeChallenge)
	assert.Equal(t, "a@x.com", code.Email)
}

func TestCallbackOmitsStateWhenCallerSuppliedNone(t *testing.T) {
	exchanger := &fakeExchanger{identity: &idp.Identity{Email: "a@x.com"}}
	handler, s := newHandler(t, exchanger, "")
	seedPending(t, s, "state-1", "")

	w := get(handler, url.Values{"code": {"upstream-code"}, "state": {"state-1"}})
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.False(t, location.Query().Has("state"))
	assert.NotEmpty(t, location.Query().Get("code"))
}

func TestCallbackIdPError(t *testing.T) {
	exchanger := &fakeExchanger{identity: &idp.Identity{Email: "a@x.com"}}
	handler, s := newHandler(t, exchanger, "")
	seedPending(t, s, "state-1", "xyz")

	w := get(handler, url.Values{
		"error":             {"access_denied"},
		"error_description": {"user declined"},
		"state":             {"state-1"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, exchanger.calls)

	var oauthErr types.OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oauthErr))
	assert.Equal(t, "access_denied", oauthErr.Error)
}

func TestCallbackStateHandling(t *testing.T) {
	t.Run("unknown state", func(t *testing.T) {
		exchanger := &fakeExchanger{identity: &idp.Identity{Email: "a@x.com"}}
		handler, _ := newHandler(t, exchanger, "")

		w := get(handler, url.Values{"code": {"c"}, "state": {"never-seen"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, exchanger.calls)
	})

	t.Run("expired state", func(t *testing.T) {
		exchanger := &fakeExchanger{identity: &idp.Identity{Email: "a@x.com"}}
		handler, s := newHandler(t, exchanger, "")
		require.NoError(t, s.StorePendingAuthorization(&types.PendingAuthorization{
			State: "stale", ClientID: "client-1", RedirectURI: "https://client.example/cb",
			CodeChallenge: "ch", CodeChallengeMethod: "S256",
			ExpiresAt: time.Now().Add(-time.Minute),
		}))

		w := get(handler, url.Values{"code": {"c"}, "state": {"stale"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, exchanger.calls)
	})

	t.Run("state consumed exactly once", func(t *testing.T) {
		exchanger := &fakeExchanger{identity: &idp.Identity{Email: "a@x.com"}}
		handler, s := newHandler(t, exchanger, "")
		seedPending(t, s, "state-1", "")

		first := get(handler, url.Values{"code": {"c"}, "state": {"state-1"}})
		assert.Equal(t, http.StatusFound, first.Code)

		second := get(handler, url.Values{"code": {"c"}, "state": {"state-1"}})
		assert.Equal(t, http.StatusBadRequest, second.Code)
	})

	t.Run("missing parameters", func(t *testing.T) {
		exchanger := &fakeExchanger{identity: &idp.Identity{Email: "a@x.com"}}
		handler, _ := newHandler(t, exchanger, "")

		w := get(handler, url.Values{"state": {"state-1"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = get(handler, url.Values{"code": {"c"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCallbackExchangeFailure(t *testing.T) {
	exchanger := &fakeExchanger{err: fmt.Errorf("token exchange failed: boom")}
	handler, s := newHandler(t, exchanger, "")
	seedPending(t, s, "state-1", "xyz")

	w := get(handler, url.Values{"code": {"c"}, "state": {"state-1"}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var oauthErr types.OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oauthErr))
	assert.Equal(t, "server_error", oauthErr.Error)
}

func TestCallbackAllowlistDenied(t *testing.T) {
	exchanger := &fakeExchanger{identity: &idp.Identity{Email: "b@x.com"}}
	handler, s := newHandler(t, exchanger, "a@x.com")
	seedPending(t, s, "state-1", "xyz")

	w := get(handler, url.Values{"code": {"c"}, "state": {"state-1"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	var oauthErr types.OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oauthErr))
	assert.Equal(t, "access_denied", oauthErr.Error)
	// The failure body carries no hint of why.
	assert.NotContains(t, w.Body.String(), "b@x.com")
	assert.NotContains(t, w.Body.String(), "allowlist")
}

func TestCallbackAllowlistAllowed(t *testing.T) {
	exchanger := &fakeExchanger{identity: &idp.Identity{Email: "a@x.com"}}
	handler, s := newHandler(t, exchanger, "a@x.com")
	seedPending(t, s, "state-1", "xyz")

	w := get(handler, url.Values{"code": {"c"}, "state": {"state-1"}})
	assert.Equal(t, http.StatusFound, w.Code)
}

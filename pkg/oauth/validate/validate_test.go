package validate_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrelay/authrelay/pkg/oauth/validate"
	"github.com/authrelay/authrelay/pkg/store"
	"github.com/authrelay/authrelay/pkg/types"
)

func newValidator(t *testing.T) (*validate.TokenValidator, *store.Store) {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return validate.NewTokenValidator(s, "https://broker.example"), s
}

func get(handler http.Handler, authorization string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	handler.ServeHTTP(w, req)
	return w
}

func TestRejectionsAreUniform(t *testing.T) {
	validator, s := newValidator(t)
	require.NoError(t, s.StoreAccessToken(&types.AccessToken{
		Token:     "expired-token",
		ClientID:  "client-1",
		Email:     "a@x.com",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	handler := validator.WithTokenValidation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler must not run for rejected requests")
	}))

	tests := []struct {
		name          string
		authorization string
	}{
		{"missing header", ""},
		{"wrong scheme", "Token abc"},
		{"bare scheme", "Bearer"},
		{"unknown token", "Bearer never-issued"},
		{"expired token", "Bearer expired-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(handler, tt.authorization)
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			// Every rejection is byte-for-byte the same body.
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, map[string]string{"error": "Unauthorized"}, body)

			challenge := w.Header().Get("WWW-Authenticate")
			assert.Contains(t, challenge, "Bearer")
			assert.Contains(t, challenge,
				`resource_metadata="https://broker.example/.well-known/oauth-protected-resource"`)
		})
	}
}

func TestValidTokenResolvesIdentity(t *testing.T) {
	validator, s := newValidator(t)
	require.NoError(t, s.StoreAccessToken(&types.AccessToken{
		Token:    "live-token",
		ClientID: "client-1",
		Email:    "a@x.com",
	}))

	called := false
	handler := validator.WithTokenValidation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity := validate.GetIdentity(r)
		require.NotNil(t, identity)
		assert.Equal(t, "client-1", identity.ClientID)
		assert.Equal(t, "a@x.com", identity.Email)
	}))

	w := get(handler, "Bearer live-token")
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchemeIsCaseInsensitive(t *testing.T) {
	validator, s := newValidator(t)
	require.NoError(t, s.StoreAccessToken(&types.AccessToken{
		Token:    "live-token",
		ClientID: "client-1",
		Email:    "a@x.com",
	}))

	handler := validator.WithTokenValidation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := get(handler, "bearer live-token")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenNearExpiryStillAccepted(t *testing.T) {
	validator, s := newValidator(t)
	require.NoError(t, s.StoreAccessToken(&types.AccessToken{
		Token:     "almost-expired",
		ClientID:  "client-1",
		Email:     "a@x.com",
		ExpiresAt: time.Now().Add(5 * time.Second),
	}))

	handler := validator.WithTokenValidation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := get(handler, "Bearer almost-expired")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetIdentityOutsideMiddleware(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.Nil(t, validate.GetIdentity(req))
}

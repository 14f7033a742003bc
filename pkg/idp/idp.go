// Package idp is the broker's client for the single upstream Identity
// Provider. It performs the one outbound call of the whole flow: exchanging
// an upstream authorization code for an identity.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/authrelay/authrelay/pkg/types"
)

// Scopes is the fixed scope set requested from the upstream IdP on every
// flow. The broker does not pass caller scopes upstream.
var Scopes = []string{"openid", "profile", "email"}

// Identity is the upstream-verified identity of the end user. Email is the
// attribute the broker keys everything on.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// Client talks to the upstream IdP using confidential credentials known only
// to the broker.
type Client struct {
	authorizeURL string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	// Endpoint discovery runs once, on first use. Concurrent handlers share
	// the client, so the memoized result is guarded.
	discoverOnce sync.Once
	metadata     *types.OAuthMetadata
	discoverErr  error
}

func New(authorizeURL, clientID, clientSecret string) *Client {
	return &Client{
		authorizeURL: authorizeURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// discoverEndpoints resolves the IdP's token and userinfo endpoints from its
// well-known metadata, falling back to a conventional layout relative to the
// configured authorize URL. The first caller does the work; everyone else
// sees the memoized result.
func (c *Client) discoverEndpoints() error {
	c.discoverOnce.Do(func() {
		c.metadata, c.discoverErr = c.discover()
	})
	return c.discoverErr
}

func (c *Client) discover() (*types.OAuthMetadata, error) {
	parsedURL, err := url.Parse(c.authorizeURL)
	if err != nil {
		// Exchange refuses to run on this error; AuthCodeURL still has a
		// usable authorization endpoint.
		return &types.OAuthMetadata{AuthorizationEndpoint: c.authorizeURL},
			fmt.Errorf("invalid authorize URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	wellKnownPaths := []string{
		"/.well-known/oauth-authorization-server" + parsedURL.Path,
		fmt.Sprintf("%s/.well-known/oauth-authorization-server", strings.TrimSuffix(parsedURL.Path, "/")),
		"/.well-known/openid-configuration" + parsedURL.Path,
		fmt.Sprintf("%s/.well-known/openid-configuration", strings.TrimSuffix(parsedURL.Path, "/")),
	}

	for _, path := range wellKnownPaths {
		metadata, err := c.fetchMetadata(baseURL + path)
		if err == nil && metadata != nil && metadata.TokenEndpoint != "" {
			return metadata, nil
		}
	}

	// No discoverable metadata; assume conventional endpoints.
	return &types.OAuthMetadata{
		Issuer:                baseURL,
		AuthorizationEndpoint: c.authorizeURL,
		TokenEndpoint:         baseURL + "/token",
		UserinfoEndpoint:      baseURL + "/userinfo",
	}, nil
}

func (c *Client) fetchMetadata(metadataURL string) (*types.OAuthMetadata, error) {
	resp, err := c.httpClient.Get(metadataURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch metadata: %s", resp.Status)
	}

	var metadata types.OAuthMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return &metadata, nil
}

func (c *Client) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.metadata.AuthorizationEndpoint,
			TokenURL: c.metadata.TokenEndpoint,
		},
	}
}

// AuthCodeURL builds the upstream authorization URL for an anti-forgery state
// token, requesting offline access and forced consent so the upstream grant
// is long-lived.
func (c *Client) AuthCodeURL(state, redirectURI string) string {
	// Discovery failure still leaves c.metadata with a usable authorization
	// endpoint; the redirect proceeds either way.
	_ = c.discoverEndpoints()

	return c.oauth2Config(redirectURI).AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)
}

// Exchange trades an upstream authorization code for a verified identity.
// Identity resolution prefers the id_token assertion embedded in the token
// response; the assertion is decoded without signature verification because
// the TLS channel to the fixed, trusted IdP is the trust anchor. When no
// assertion is present (or it carries no email) the userinfo endpoint is
// consulted with the obtained access token.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*Identity, error) {
	if err := c.discoverEndpoints(); err != nil {
		return nil, fmt.Errorf("failed to discover endpoints: %w", err)
	}

	token, err := c.oauth2Config(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		if identity, err := identityFromIDToken(rawIDToken); err == nil && identity.Email != "" {
			return identity, nil
		}
	}

	identity, err := c.userInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}
	if identity.Email == "" {
		return nil, fmt.Errorf("upstream identity has no email")
	}
	return identity, nil
}

// identityFromIDToken decodes the claims of an id_token without verifying
// its signature.
func identityFromIDToken(raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token: %w", err)
	}

	return &Identity{
		Subject: getString(claims, "sub"),
		Email:   getString(claims, "email"),
		Name:    getString(claims, "name"),
	}, nil
}

func (c *Client) userInfo(ctx context.Context, accessToken string) (*Identity, error) {
	if c.metadata.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("userinfo endpoint not available")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadata.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: %s", resp.Status)
	}

	var userInfo map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("failed to decode user info response: %w", err)
	}

	identity := &Identity{
		Subject: getString(userInfo, "sub"),
		Email:   getString(userInfo, "email"),
		Name:    getString(userInfo, "name"),
	}
	if identity.Subject == "" {
		identity.Subject = getString(userInfo, "id")
	}

	return identity, nil
}

func getString(m map[string]any, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

package types

import (
	"time"
)

// Config holds all configuration values for the broker.
type Config struct {
	Port            string
	Host            string
	PublicURL       string
	IdPClientID     string
	IdPClientSecret string
	IdPAuthorizeURL string
	AllowedEmails   string
	APIServerURL    string
	Mode            string
	ResourceName    string
}

// Client is a dynamically registered OAuth client. Registration is open and
// the record is immutable after creation.
type Client struct {
	ClientID     string      `gorm:"primaryKey"`
	ClientSecret string      `gorm:"not null"`
	ClientName   string
	RedirectURIs StringSlice `gorm:"type:text;not null"`
	CreatedAt    time.Time   `gorm:"autoCreateTime"`
}

// PendingAuthorization is an in-flight authorization request, keyed by the
// anti-forgery state token handed to the upstream IdP. It exists only between
// the authorize call and the callback and is consumed exactly once.
type PendingAuthorization struct {
	State               string `gorm:"primaryKey"`
	ClientID            string `gorm:"not null"`
	RedirectURI         string `gorm:"not null"`
	CodeChallenge       string `gorm:"not null"`
	CodeChallengeMethod string `gorm:"not null"`
	ClientState         string
	ExpiresAt           time.Time `gorm:"not null;index"`
	CreatedAt           time.Time `gorm:"autoCreateTime"`
}

// AuthorizationCode is a single-use code minted after the upstream identity
// has been resolved and accepted. It is deleted the instant it is looked up
// for redemption, whether or not redemption succeeds.
type AuthorizationCode struct {
	Code                string    `gorm:"primaryKey"`
	ClientID            string    `gorm:"not null"`
	RedirectURI         string    `gorm:"not null"`
	CodeChallenge       string    `gorm:"not null"`
	CodeChallengeMethod string    `gorm:"not null"`
	Email               string    `gorm:"not null"`
	ExpiresAt           time.Time `gorm:"not null;index"`
	CreatedAt           time.Time `gorm:"autoCreateTime"`
}

// AccessToken is a bearer credential with a fixed lifetime. The Token column
// holds a SHA-256 hash, never the presented value.
type AccessToken struct {
	Token     string    `gorm:"primaryKey"`
	ClientID  string    `gorm:"not null;index"`
	Email     string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// RefreshToken does not expire by policy and is never rotated. Like access
// tokens it is stored hashed.
type RefreshToken struct {
	Token     string    `gorm:"primaryKey"`
	ClientID  string    `gorm:"not null;index"`
	Email     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// ClientInfo is the RFC 7591 registration response body.
type ClientInfo struct {
	ClientID         string   `json:"client_id"`
	ClientSecret     string   `json:"client_secret"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	ClientIDIssuedAt int64    `json:"client_id_issued_at,omitempty"`
}

// OAuthMetadata is the RFC 8414 authorization server metadata document. The
// same shape is used to decode the upstream IdP's discovery document.
type OAuthMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// OAuthProtectedResourceMetadata is the RFC 9728 protected resource metadata
// document.
type OAuthProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
	ResourceName         string   `json:"resource_name,omitempty"`
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// OAuthError is the structured error body used on every OAuth endpoint.
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

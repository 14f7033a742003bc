// Package proxy wires the broker together: record store, upstream IdP
// client, allowlist, OAuth endpoints, metadata documents and the bearer-gated
// protected surface.
package proxy

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"

	"github.com/authrelay/authrelay/pkg/allowlist"
	"github.com/authrelay/authrelay/pkg/handlerutils"
	"github.com/authrelay/authrelay/pkg/idp"
	"github.com/authrelay/authrelay/pkg/oauth/authorize"
	"github.com/authrelay/authrelay/pkg/oauth/callback"
	"github.com/authrelay/authrelay/pkg/oauth/register"
	"github.com/authrelay/authrelay/pkg/oauth/token"
	"github.com/authrelay/authrelay/pkg/oauth/validate"
	"github.com/authrelay/authrelay/pkg/ratelimit"
	"github.com/authrelay/authrelay/pkg/store"
	"github.com/authrelay/authrelay/pkg/types"
)

const (
	// ModeProxy reverse-proxies authenticated requests to the downstream API.
	ModeProxy = "proxy"
	// ModeForwardAuth only answers auth subrequests with identity headers.
	ModeForwardAuth = "forward_auth"
	// ModeMiddleware hands authenticated requests to an embedder-supplied
	// handler.
	ModeMiddleware = "middleware"
)

// Broker presents itself to clients as a full OAuth 2.0 authorization server
// while delegating identity verification to the upstream IdP.
type Broker struct {
	metadata    *types.OAuthMetadata
	store       *store.Store
	rateLimiter *ratelimit.RateLimiter
	idp         *idp.Client
	allowed     *allowlist.Allowlist
	config      *types.Config

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(config *types.Config) (*Broker, error) {
	if config.IdPClientID == "" || config.IdPClientSecret == "" || config.IdPAuthorizeURL == "" {
		return nil, fmt.Errorf("IdP client id, client secret and authorize URL are required")
	}

	if config.Port == "" {
		config.Port = "8080"
	}
	if config.ResourceName == "" {
		config.ResourceName = "Protected API"
	}

	switch config.Mode {
	case "":
		config.Mode = ModeProxy
	case ModeProxy, ModeForwardAuth, ModeMiddleware:
	default:
		return nil, fmt.Errorf("invalid mode: %s", config.Mode)
	}

	if config.Mode == ModeProxy {
		if u, err := url.Parse(config.APIServerURL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("invalid API server URL: %q", config.APIServerURL)
		} else if u.Path != "" && u.Path != "/" || u.RawQuery != "" || u.Fragment != "" {
			return nil, fmt.Errorf("API server URL must not contain a path, query, or fragment")
		}
	}

	recordStore, err := store.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record store: %w", err)
	}

	allowed := allowlist.Parse(config.AllowedEmails)
	if allowed.Enabled() {
		log.Printf("Email allowlist enabled")
	} else {
		log.Printf("No email allowlist configured, all authenticated identities are accepted")
	}

	metadata := &types.OAuthMetadata{
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		ScopesSupported:                   idp.Scopes,
	}

	return &Broker{
		metadata:    metadata,
		store:       recordStore,
		rateLimiter: ratelimit.NewRateLimiter(15*time.Minute, 5000),
		idp:         idp.New(config.IdPAuthorizeURL, config.IdPClientID, config.IdPClientSecret),
		allowed:     allowed,
		config:      config,
	}, nil
}

// Store exposes the record store for embedders and tests.
func (b *Broker) Store() *store.Store {
	return b.store
}

// Start launches the periodic sweep. The sweep is advisory; every read path
// re-checks expiry on its own.
func (b *Broker) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(store.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				if err := b.store.CleanupExpired(); err != nil {
					log.Printf("Failed to cleanup expired records: %v", err)
				}
			}
		}
	}()
}

func (b *Broker) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

// SetupRoutes registers every route on mux. next is the protected handler
// used in middleware mode; it may be nil otherwise.
func (b *Broker) SetupRoutes(mux *http.ServeMux, next http.Handler) {
	authorizeHandler := authorize.NewHandler(b.store, b.idp, b.config.PublicURL)
	callbackHandler := callback.NewHandler(b.store, b.idp, b.allowed, b.config.PublicURL)
	tokenHandler := token.NewHandler(b.store)
	registerHandler := register.NewHandler(b.store)
	validator := validate.NewTokenValidator(b.store, b.config.PublicURL)

	mux.HandleFunc("GET /health", b.withCORS(http.HandlerFunc(b.healthHandler)))

	// OAuth endpoints
	mux.HandleFunc("POST /oauth/register", b.withCORS(b.withRateLimit(registerHandler)))
	mux.HandleFunc("GET /oauth/authorize", b.withCORS(b.withRateLimit(authorizeHandler)))
	mux.HandleFunc("GET /oauth/callback", b.withCORS(b.withRateLimit(callbackHandler)))
	mux.HandleFunc("POST /oauth/token", b.withCORS(b.withRateLimit(tokenHandler)))

	// Metadata endpoints
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", b.withCORS(http.HandlerFunc(b.oauthMetadataHandler)))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", b.withCORS(http.HandlerFunc(b.protectedResourceMetadataHandler)))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/{path...}", b.withCORS(http.HandlerFunc(b.protectedResourceMetadataHandler)))

	// Everything else requires a currently-valid bearer token.
	mux.HandleFunc("/{path...}", b.withCORS(b.withRateLimit(validator.WithTokenValidation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.apiHandler(w, r, next)
	})))))
}

// GetHandler returns the broker's full http.Handler with access logging.
func (b *Broker) GetHandler(next http.Handler) http.Handler {
	mux := http.NewServeMux()
	b.SetupRoutes(mux, next)
	return handlers.LoggingHandler(os.Stdout, mux)
}

func (b *Broker) withCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (b *Broker) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.rateLimiter != nil && !b.rateLimiter.Allow(handlerutils.GetClientIP(r)) {
			handlerutils.Error(w, http.StatusTooManyRequests, "too_many_requests", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (b *Broker) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// oauthMetadataHandler serves the RFC 8414 authorization server metadata.
func (b *Broker) oauthMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.BaseURL(r, b.config.PublicURL)

	handlerutils.JSON(w, http.StatusOK, &types.OAuthMetadata{
		Issuer:                            baseURL,
		AuthorizationEndpoint:             fmt.Sprintf("%s/oauth/authorize", baseURL),
		TokenEndpoint:                     fmt.Sprintf("%s/oauth/token", baseURL),
		RegistrationEndpoint:              fmt.Sprintf("%s/oauth/register", baseURL),
		ResponseTypesSupported:            b.metadata.ResponseTypesSupported,
		GrantTypesSupported:               b.metadata.GrantTypesSupported,
		CodeChallengeMethodsSupported:     b.metadata.CodeChallengeMethodsSupported,
		TokenEndpointAuthMethodsSupported: b.metadata.TokenEndpointAuthMethodsSupported,
		ScopesSupported:                   b.metadata.ScopesSupported,
	})
}

// protectedResourceMetadataHandler serves the RFC 9728 protected resource
// metadata, declaring this server as the sole authorization server for its
// protected resource.
func (b *Broker) protectedResourceMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.BaseURL(r, b.config.PublicURL)

	handlerutils.JSON(w, http.StatusOK, types.OAuthProtectedResourceMetadata{
		Resource:             baseURL,
		AuthorizationServers: []string{baseURL},
		ScopesSupported:      b.metadata.ScopesSupported,
		ResourceName:         b.config.ResourceName,
	})
}

func (b *Broker) apiHandler(w http.ResponseWriter, r *http.Request, next http.Handler) {
	identity := validate.GetIdentity(r)
	path := r.PathValue("path")

	switch b.config.Mode {
	case ModeMiddleware:
		if next == nil {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	case ModeForwardAuth:
		setIdentityHeaders(w.Header(), identity)
	case ModeProxy:
		targetURL := b.config.APIServerURL + "/" + path

		proxy := &httputil.ReverseProxy{
			Director: func(req *http.Request) {
				req.Header.Del("Authorization")
				req.Header.Set("X-Forwarded-Host", req.Host)

				newURL, _ := url.Parse(targetURL)
				req.URL.Scheme = newURL.Scheme
				req.URL.Host = newURL.Host
				req.URL.Path = newURL.Path
				req.Host = newURL.Host

				setIdentityHeaders(req.Header, identity)
			},
			ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
				log.Printf("Proxy error: %v", err)
				rw.WriteHeader(http.StatusBadGateway)
			},
		}

		proxy.ServeHTTP(w, r)
	}
}

func setIdentityHeaders(header http.Header, identity *validate.Identity) {
	if identity == nil {
		header.Del("X-Forwarded-Email")
		header.Del("X-Forwarded-Client")
		return
	}
	header.Set("X-Forwarded-Email", identity.Email)
	header.Set("X-Forwarded-Client", identity.ClientID)
}

package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gptscript-ai/cmd"
	"github.com/spf13/cobra"

	"github.com/authrelay/authrelay/pkg/proxy"
	"github.com/authrelay/authrelay/pkg/types"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// RootCmd represents the base command when called without any subcommands.
type RootCmd struct {
	// Upstream IdP configuration
	IdPClientID     string `name:"idp-client-id" env:"IDP_CLIENT_ID" usage:"Client ID issued by the upstream identity provider" required:"true"`
	IdPClientSecret string `name:"idp-client-secret" env:"IDP_CLIENT_SECRET" usage:"Client secret issued by the upstream identity provider" required:"true"`
	IdPAuthorizeURL string `name:"idp-authorize-url" env:"IDP_AUTHORIZE_URL" usage:"Authorization endpoint URL of the upstream identity provider (e.g., https://accounts.google.com)" required:"true"`

	// Access control
	AllowedEmails string `name:"allowed-emails" env:"ALLOWED_EMAILS" usage:"Comma-separated list of email addresses permitted to authenticate. Empty means anyone the IdP authenticates"`

	// Protected surface
	APIServerURL string `name:"api-server-url" env:"API_SERVER_URL" usage:"Base URL of the downstream API to proxy authenticated requests to (proxy mode)"`
	Mode         string `name:"mode" env:"MODE" usage:"Protected-surface mode: proxy, forward_auth or middleware" default:"proxy"`
	ResourceName string `name:"resource-name" env:"RESOURCE_NAME" usage:"Display name of the protected resource in metadata documents"`

	// Server configuration
	PublicURL string `name:"public-url" env:"PUBLIC_URL" usage:"Public base URL of this server. If empty, inferred from each request"`
	Port      string `name:"port" env:"PORT" usage:"Port to run the server on" default:"8080"`
	Host      string `name:"host" env:"HOST" usage:"Host to bind the server to" default:"localhost"`

	// Logging
	Verbose bool `name:"verbose,v" usage:"Enable verbose logging"`
	Version bool `name:"version" usage:"Show version information"`
}

func (c *RootCmd) Run(cobraCmd *cobra.Command, args []string) error {
	if c.Version {
		fmt.Printf("AuthRelay\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Built: %s\n", buildTime)
		return nil
	}

	if c.Verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("Verbose logging enabled")
	}

	config := &types.Config{
		Port:            c.Port,
		Host:            c.Host,
		PublicURL:       c.PublicURL,
		IdPClientID:     c.IdPClientID,
		IdPClientSecret: c.IdPClientSecret,
		IdPAuthorizeURL: c.IdPAuthorizeURL,
		AllowedEmails:   c.AllowedEmails,
		APIServerURL:    c.APIServerURL,
		Mode:            c.Mode,
		ResourceName:    c.ResourceName,
	}

	broker, err := proxy.NewBroker(config)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.Printf("Error closing broker: %v", err)
		}
	}()

	broker.Start(context.Background())

	address := fmt.Sprintf("%s:%s", c.Host, c.Port)
	log.Printf("Starting AuthRelay on %s", address)
	log.Printf("Upstream IdP: %s", c.IdPAuthorizeURL)
	if c.Mode == proxy.ModeProxy {
		log.Printf("Downstream API: %s", c.APIServerURL)
	}

	return http.ListenAndServe(address, broker.GetHandler(nil))
}

// Customize sets command metadata for the generated cobra command.
func (c *RootCmd) Customize(cobraCmd *cobra.Command) {
	cobraCmd.Use = "authrelay"
	cobraCmd.Short = "OAuth 2.0 authorization server proxy with delegated identity"
	cobraCmd.Long = `AuthRelay presents itself to clients as a full OAuth 2.0 authorization
server while delegating identity verification to an upstream identity
provider. It supports dynamic client registration, the authorization code
grant with mandatory S256 PKCE, refresh tokens, an email allowlist, and
bearer-token enforcement in front of a downstream API.

All issued credentials live only in process memory; restarting the server
invalidates every outstanding token.

Examples:
  # Start with environment variables
  export IDP_CLIENT_ID="your-client-id"
  export IDP_CLIENT_SECRET="your-secret"
  export IDP_AUTHORIZE_URL="https://accounts.google.com"
  export API_SERVER_URL="http://localhost:3000"
  export ALLOWED_EMAILS="alice@example.com,bob@example.com"
  authrelay

  # Start with CLI flags
  authrelay \
    --idp-client-id="your-client-id" \
    --idp-client-secret="your-secret" \
    --idp-authorize-url="https://accounts.google.com" \
    --api-server-url="http://localhost:3000"`

	cobraCmd.Version = version
}

// Execute is the main entry point for the CLI.
func Execute() error {
	rootCmd := &RootCmd{}
	cobraCmd := cmd.Command(rootCmd)
	return cobraCmd.Execute()
}

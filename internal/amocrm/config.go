package amocrm

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultAuthURL is the CRM consent page users are redirected to.
	DefaultAuthURL = "https://www.amocrm.ru/oauth"
	// DefaultHTTPTimeout bounds every outbound CRM call.
	DefaultHTTPTimeout = 5 * time.Second
	// DefaultMaxRedirects bounds redirect following on outbound CRM calls.
	DefaultMaxRedirects = 5

	tokenEndpointPath = "/oauth2/access_token"
)

// Config holds the CRM integration credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	APIURL       string
	AuthURL      string
	HTTPTimeout  time.Duration
	MaxRedirects int
}

// ServerConfig configures the inbound routes on top of the CRM integration.
type ServerConfig struct {
	CRM             Config
	StateSigningKey []byte
	StateTTL        time.Duration
	RequireState    bool
}

// BaseURL returns the API URL without a trailing slash.
func (configuration Config) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(configuration.APIURL), "/")
}

// TokenURL returns the CRM OAuth2 token endpoint.
func (configuration Config) TokenURL() string {
	return configuration.BaseURL() + tokenEndpointPath
}

// OAuth2Config describes the integration as an oauth2.Config, used to build consent URLs.
func (configuration Config) OAuth2Config() *oauth2.Config {
	authURL := configuration.AuthURL
	if strings.TrimSpace(authURL) == "" {
		authURL = DefaultAuthURL
	}
	return &oauth2.Config{
		ClientID:     configuration.ClientID,
		ClientSecret: configuration.ClientSecret,
		RedirectURL:  configuration.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  configuration.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

package oauth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/tokengate/tokengate/internal/config"
)

// providerDef pins the fixed parts of one upstream identity provider.
type providerDef struct {
	endpoint oauth2.Endpoint
	scopes   []string
	// extra AuthCodeURL options, e.g. offline access for refresh tokens.
	authOpts []oauth2.AuthCodeOption
}

var providerDefs = map[string]providerDef{
	"claude": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://claude.ai/oauth/authorize",
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
		},
		scopes: []string{"org:create_api_key", "user:profile", "user:inference"},
	},
	"openai": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://auth.openai.com/oauth/authorize",
			TokenURL: "https://auth.openai.com/oauth/token",
		},
		scopes: []string{"openid", "profile", "email", "offline_access"},
	},
	"gemini": {
		endpoint: endpoints.Google,
		scopes: []string{
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		authOpts: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline},
	},
}

// Registry resolves provider names to ready-to-use oauth2 configurations.
type Registry struct {
	configs map[string]*oauth2.Config
	opts    map[string][]oauth2.AuthCodeOption
}

// NewRegistry combines the fixed provider definitions with the deployment's
// client credentials and callback base URL. Providers without a client id
// are registered but unusable until credentials are supplied.
func NewRegistry(cfg config.OAuthConfig) *Registry {
	r := &Registry{
		configs: make(map[string]*oauth2.Config),
		opts:    make(map[string][]oauth2.AuthCodeOption),
	}
	for name, def := range providerDefs {
		client := cfg.Clients[name]
		r.configs[name] = &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Endpoint:     def.endpoint,
			Scopes:       def.scopes,
			RedirectURL:  cfg.PublicBaseURL + "/oauth/" + name + "/callback",
		}
		r.opts[name] = def.authOpts
	}
	return r
}

// Names lists the supported provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	return names
}

// lookup returns the oauth2 config for name, or nil if unsupported.
func (r *Registry) lookup(name string) *oauth2.Config {
	return r.configs[name]
}

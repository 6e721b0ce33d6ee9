package credentials

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// OAuthType is the refresh behavior an integration's OAuth flow follows,
// named directly after the reference catalog's oauth_type values.
type OAuthType string

const (
	// OAuthDirect is not actually OAuth: a static API key or URL+key pair.
	OAuthDirect              OAuthType = "direct"
	OAuthAccessOnly          OAuthType = "access_only"
	OAuthWithRefresh         OAuthType = "with_refresh"
	OAuthWithRotatingRefresh OAuthType = "with_rotating_refresh"
)

// CatalogEntry is one source's OAuth settings, matching the reference
// catalog's per-integration shape (oauth_type, url/backend_url template
// pair, client credential placement, PKCE requirement).
type CatalogEntry struct {
	OAuthType                OAuthType         `yaml:"oauth_type"`
	AuthURL                  string            `yaml:"url"`
	BackendURL               string            `yaml:"backend_url"`
	GrantType                string            `yaml:"grant_type"`
	ClientID                 string            `yaml:"client_id"`
	ClientSecret             string            `yaml:"client_secret"`
	ClientCredentialLocation string            `yaml:"client_credential_location"`
	Scope                    string            `yaml:"scope"`
	RequiresPKCE             bool              `yaml:"requires_pkce"`
	URLTemplate              bool              `yaml:"url_template"`
	BackendURLTemplate       bool              `yaml:"backend_url_template"`
	AdditionalFrontendParams map[string]string `yaml:"additional_frontend_params"`
}

// RenderAuthURL interpolates {placeholder} variables into AuthURL when
// URLTemplate is set, mirroring instance-specific OAuth URLs (e.g. a
// self-hosted Gitea/GitLab instance).
func (e CatalogEntry) RenderAuthURL(vars map[string]string) (string, error) {
	return renderTemplate(e.AuthURL, e.URLTemplate, vars)
}

// RenderBackendURL interpolates {placeholder} variables into BackendURL
// when BackendURLTemplate is set.
func (e CatalogEntry) RenderBackendURL(vars map[string]string) (string, error) {
	return renderTemplate(e.BackendURL, e.BackendURLTemplate, vars)
}

func renderTemplate(raw string, templated bool, vars map[string]string) (string, error) {
	if !templated {
		return raw, nil
	}
	out := raw
	for k, v := range vars {
		placeholder := "{" + k + "}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, v)
	}
	if strings.Contains(out, "{") {
		return "", fmt.Errorf("credentials: unresolved template variable in %q", raw)
	}
	return out, nil
}

// OAuth2Config builds the golang.org/x/oauth2 config Refresh drives its
// token source from. Only meaningful for entries whose OAuthType isn't
// OAuthDirect.
func (e CatalogEntry) OAuth2Config(vars map[string]string) (*oauth2.Config, error) {
	authURL, err := e.RenderAuthURL(vars)
	if err != nil {
		return nil, err
	}
	tokenURL, err := e.RenderBackendURL(vars)
	if err != nil {
		return nil, err
	}
	var scopes []string
	if e.Scope != "" {
		scopes = strings.Fields(e.Scope)
	}
	return &oauth2.Config{
		ClientID:     e.ClientID,
		ClientSecret: e.ClientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
	}, nil
}

// Catalog maps an integration's short name (e.g. "msgraph", "gitea",
// "gitlab") to its OAuth settings, loaded once at process init per
// spec.md §9's global mutable state note and never mutated afterward.
type Catalog struct {
	entries map[string]CatalogEntry
}

// LoadCatalog reads the OAuth settings catalog from a YAML file shaped as
// a top-level map of integration short name to CatalogEntry.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credentials: reading oauth catalog %s: %w", path, err)
	}

	var raw map[string]CatalogEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("credentials: parsing oauth catalog %s: %w", path, err)
	}

	for name, entry := range raw {
		switch entry.OAuthType {
		case OAuthDirect, OAuthAccessOnly, OAuthWithRefresh, OAuthWithRotatingRefresh:
		default:
			return nil, fmt.Errorf("credentials: integration %q has unknown oauth_type %q", name, entry.OAuthType)
		}
	}

	return &Catalog{entries: raw}, nil
}

// Lookup returns the catalog entry for an integration short name.
func (c *Catalog) Lookup(integrationShortName string) (CatalogEntry, bool) {
	e, ok := c.entries[integrationShortName]
	return e, ok
}

// Package credentials resolves per-tenant authentication material and turns
// it into outbound request headers. Resolution is soft-fail: the dispatch
// proceeds unauthenticated when no usable credential exists, and the remote
// API's 401/403 is surfaced as the execution outcome.
package credentials

import (
	"context"
	"time"
)

// InjectionKind tells the executor how to attach the credential.
type InjectionKind string

const (
	InjectNone   InjectionKind = "none"
	InjectAPIKey InjectionKind = "apiKey"
	InjectBearer InjectionKind = "bearer"
)

// AuthInjection is the resolved credential, ready to apply to a request.
type AuthInjection struct {
	Kind        InjectionKind
	HeaderName  string // apiKey header, defaults to Authorization
	HeaderValue string // apiKey value
	Token       string // bearer access token
}

// Apply merges the injection into headers. Injected auth wins over any
// action-defined header of the same name.
func (a AuthInjection) Apply(headers map[string]string) {
	switch a.Kind {
	case InjectAPIKey:
		name := a.HeaderName
		if name == "" {
			name = "Authorization"
		}
		headers[name] = a.HeaderValue
	case InjectBearer:
		headers["Authorization"] = "Bearer " + a.Token
	}
}

// ToolAuthConfig is the org-level credential configuration for a tool.
type ToolAuthConfig struct {
	// apiKey
	APIKey     string `json:"api_key,omitempty"`
	HeaderName string `json:"header_name,omitempty"`

	// oauth2
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	Scopes       string `json:"scopes,omitempty"`
}

// TokenRecord is a per-user OAuth token set for a tool.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token is unusable at the given
// instant, with a skew so tokens about to lapse mid-flight refresh early.
func (t TokenRecord) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.ExpiresAt)
}

// Store persists credential material. Implementations encrypt at rest.
type Store interface {
	GetToolAuth(ctx context.Context, orgID, toolID string) (*ToolAuthConfig, error)
	PutToolAuth(ctx context.Context, orgID, toolID string, cfg *ToolAuthConfig) error
	GetUserToken(ctx context.Context, orgID, userID, toolID string) (*TokenRecord, error)
	PutUserToken(ctx context.Context, orgID, userID, toolID string, rec *TokenRecord) error
}

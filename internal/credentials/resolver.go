package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/toolrun/toolrun/pkg/schema"
)

const (
	// refreshSkew refreshes tokens that expire within the next minute so a
	// slow upstream call does not outlive its credential.
	refreshSkew = 60 * time.Second

	refreshTimeout = 15 * time.Second
	maxTokenBody   = 1 << 20 // 1 MiB
)

// Resolver resolves the credential for a (tenant, tool) pair.
type Resolver struct {
	store  Store
	logger *slog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewResolver creates a credential resolver backed by the given store.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger, now: time.Now}
}

// Resolve returns the auth injection for the tenant and tool. It never
// returns an error: missing or unusable credentials resolve to InjectNone
// with a log line, and the remote API decides whether the call is allowed.
func (r *Resolver) Resolve(ctx context.Context, tenant schema.TenantContext, tool *schema.Tool) AuthInjection {
	switch tool.AuthType {
	case schema.AuthNone, "":
		return AuthInjection{Kind: InjectNone}
	case schema.AuthAPIKey:
		return r.resolveAPIKey(ctx, tenant, tool)
	case schema.AuthOAuth2:
		return r.resolveOAuth(ctx, tenant, tool)
	default:
		r.logger.WarnContext(ctx, "unknown auth type, dispatching unauthenticated",
			"tool_id", tool.ID, "auth_type", string(tool.AuthType))
		return AuthInjection{Kind: InjectNone}
	}
}

func (r *Resolver) resolveAPIKey(ctx context.Context, tenant schema.TenantContext, tool *schema.Tool) AuthInjection {
	cfg, err := r.store.GetToolAuth(ctx, tenant.OrgID, tool.ID)
	if err != nil {
		r.logCredentialMiss(ctx, tenant, tool, err)
		return AuthInjection{Kind: InjectNone}
	}
	if cfg.APIKey == "" {
		r.logCredentialMiss(ctx, tenant, tool,
			schema.NewError(schema.ErrCodeAuth, "tool auth config has no api key"))
		return AuthInjection{Kind: InjectNone}
	}
	return AuthInjection{Kind: InjectAPIKey, HeaderName: cfg.HeaderName, HeaderValue: cfg.APIKey}
}

func (r *Resolver) resolveOAuth(ctx context.Context, tenant schema.TenantContext, tool *schema.Tool) AuthInjection {
	rec, err := r.store.GetUserToken(ctx, tenant.OrgID, tenant.UserID, tool.ID)
	if err != nil {
		r.logCredentialMiss(ctx, tenant, tool, err)
		return AuthInjection{Kind: InjectNone}
	}

	if !rec.Expired(r.now(), refreshSkew) {
		return AuthInjection{Kind: InjectBearer, Token: rec.AccessToken}
	}

	refreshed, err := r.refresh(ctx, tenant, tool, rec)
	if err != nil {
		r.logger.WarnContext(ctx, "token refresh failed, dispatching unauthenticated",
			"org_id", tenant.OrgID, "user_id", tenant.UserID, "tool_id", tool.ID, "error", err.Error())
		return AuthInjection{Kind: InjectNone}
	}
	return AuthInjection{Kind: InjectBearer, Token: refreshed.AccessToken}
}

// refresh exchanges the refresh token at the tool's token endpoint and
// persists the rotated record before returning it.
func (r *Resolver) refresh(ctx context.Context, tenant schema.TenantContext, tool *schema.Tool, rec *TokenRecord) (*TokenRecord, error) {
	if rec.RefreshToken == "" {
		return nil, schema.NewError(schema.ErrCodeAuth, "access token expired and no refresh token on record")
	}

	cfg, err := r.store.GetToolAuth(ctx, tenant.OrgID, tool.ID)
	if err != nil {
		return nil, err
	}
	if cfg.TokenURL == "" {
		return nil, schema.NewError(schema.ErrCodeAuth, "tool auth config has no token url")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.RefreshToken)
	if cfg.ClientID != "" {
		form.Set("client_id", cfg.ClientID)
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	if cfg.Scopes != "" {
		form.Set("scope", cfg.Scopes)
	}

	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAuth, "build token request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAuth, "token endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAuth, "read token response").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeAuth,
			"token endpoint returned %d", resp.StatusCode).
			WithDetails(map[string]any{"body": truncate(string(body), 512)})
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeAuth, "malformed token response").WithCause(err)
	}
	if payload.AccessToken == "" {
		return nil, schema.NewError(schema.ErrCodeAuth, "token response missing access_token")
	}

	updated := &TokenRecord{
		AccessToken:  payload.AccessToken,
		RefreshToken: rec.RefreshToken,
	}
	// Providers may rotate the refresh token; keep whichever is newest.
	if payload.RefreshToken != "" {
		updated.RefreshToken = payload.RefreshToken
	}
	if payload.ExpiresIn > 0 {
		updated.ExpiresAt = r.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}

	if err := r.store.PutUserToken(ctx, tenant.OrgID, tenant.UserID, tool.ID, updated); err != nil {
		// The refreshed token is still good for this dispatch.
		r.logger.WarnContext(ctx, "failed to persist refreshed token",
			"org_id", tenant.OrgID, "user_id", tenant.UserID, "tool_id", tool.ID, "error", err.Error())
	}
	return updated, nil
}

// httpClient builds a fresh client per refresh so connection state never
// crosses tenants.
func (r *Resolver) httpClient() *http.Client {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: refreshTimeout}
	}
	return &http.Client{Timeout: refreshTimeout, Transport: transport.Clone()}
}

func (r *Resolver) logCredentialMiss(ctx context.Context, tenant schema.TenantContext, tool *schema.Tool, err error) {
	r.logger.WarnContext(ctx, "no usable credential, dispatching unauthenticated",
		"org_id", tenant.OrgID, "user_id", tenant.UserID, "tool_id", tool.ID, "error", err.Error())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

// Package auth authenticates API callers with OpenID Connect and scopes
// their requests to the tenant owning their email domain.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"funnel-automation/backend/internal/config"
	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"
)

const (
	devUser       = "dev@localhost"
	sessionCookie = "funnel_session"
	stateCookie   = "funnel_oauth_state"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Auth verifies ID and access tokens issued by the configured OIDC provider.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	tenants      repository.TenantStore
	logger       Logger
	authBypass   bool
}

// New creates an Auth from configuration. In DEV with dev_mode_bypass set no
// provider is contacted and every request runs as dev@localhost.
func New(ctx context.Context, cfg *config.Config, tenants repository.TenantStore, logger Logger) (*Auth, error) {
	a := &Auth{
		tenants:    tenants,
		logger:     logger,
		authBypass: cfg.IsDev() && cfg.DevModeBypass,
	}
	if a.authBypass {
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to discover oidc provider: %w", err)
	}

	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       LoginScopes,
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens carry the API audience rather than the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// RequireAuth is middleware that authenticates the caller from a bearer
// token or the session cookie and scopes the request to the caller's tenant.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, status, err := a.identify(r)
		if err != nil {
			if status == http.StatusSeeOther {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			http.Error(w, err.Error(), status)
			return
		}

		tenant, err := a.resolveTenant(r.Context(), email)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := repository.WithTenantID(r.Context(), tenant.ID)
		ctx = WithUser(ctx, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identify returns the caller's email, or the status to reply with.
func (a *Auth) identify(r *http.Request) (string, int, error) {
	if a.authBypass {
		return devUser, 0, nil
	}

	var token *oidc.IDToken
	if raw, ok := bearerToken(r); ok {
		t, err := a.apiVerifier.Verify(r.Context(), raw)
		if err != nil {
			return "", http.StatusUnauthorized, fmt.Errorf("invalid token: %w", err)
		}
		token = t
	} else {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			return "", http.StatusSeeOther, err
		}
		t, err := a.verifier.Verify(r.Context(), cookie.Value)
		if err != nil {
			return "", http.StatusUnauthorized, fmt.Errorf("invalid session: %w", err)
		}
		token = t
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", http.StatusUnauthorized, errors.New("failed to parse token claims")
	}
	return claims.Email, 0, nil
}

// resolveTenant maps an email domain to a tenant, provisioning one on first use.
func (a *Auth) resolveTenant(ctx context.Context, email string) (*models.Tenant, error) {
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return nil, errors.New("invalid email format in token")
	}

	tenant, err := a.tenants.GetTenantByDomain(ctx, domain)
	if err == nil {
		return tenant, nil
	}

	tenant = &models.Tenant{Name: domain, Domain: domain}
	if err := a.tenants.CreateTenant(ctx, tenant); err != nil {
		if a.logger != nil {
			a.logger.Error("failed to provision tenant", "domain", domain, "error", err)
		}
		return nil, fmt.Errorf("failed to provision tenant: %w", err)
	}
	if a.logger != nil {
		a.logger.Info("provisioned tenant", "domain", domain, "tenant_id", tenant.ID)
	}
	return tenant, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(h, "Bearer "), true
}

package auth

import "context"

const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

// LoginScopes are requested during the authorization code flow.
var LoginScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail}

type userKey struct{}

// WithUser records the authenticated caller's email on ctx.
func WithUser(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, userKey{}, email)
}

// UserFromContext returns the authenticated caller's email, or "".
func UserFromContext(ctx context.Context) string {
	email, _ := ctx.Value(userKey{}).(string)
	return email
}

package repository

import "context"

type tenantKey struct{}

// WithTenantID scopes ctx to a tenant. Stores only return and modify records
// of that tenant. An unscoped context sees all tenants; it is reserved for
// webhook ingress and background reconciliation.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantIDFromContext returns the tenant the context is scoped to, if any.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}

func tenantVisible(ctx context.Context, tenantID string) bool {
	scope, ok := TenantIDFromContext(ctx)
	return !ok || scope == tenantID
}

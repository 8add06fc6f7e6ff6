package tenancy

import (
	"context"
	"fmt"
)

type scopeKey struct{}

// WithTenantID scopes ctx to one tenant. Tenant reads made under the
// context must be for that tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, tenantID)
}

// TenantIDFromContext returns the scoped tenant, if any.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(scopeKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// CheckScope fails when ctx is scoped to a different tenant than tenantID.
// An unscoped context passes.
func CheckScope(ctx context.Context, tenantID string) error {
	scoped, ok := TenantIDFromContext(ctx)
	if !ok || scoped == tenantID {
		return nil
	}
	return fmt.Errorf("%w: context scoped to another tenant", ErrTenantNotFound)
}

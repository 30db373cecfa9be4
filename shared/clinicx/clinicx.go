package clinicx

import "context"

type contextKey struct{}

// ClinicContext identifies the clinic a request operates on. Every ledger
// row is scoped to a clinic; handlers must not touch the database before
// the clinic has been resolved.
type ClinicContext struct {
	ID   string
	Slug string
}

func WithClinic(ctx context.Context, clinic ClinicContext) context.Context {
	return context.WithValue(ctx, contextKey{}, clinic)
}

func FromContext(ctx context.Context) (ClinicContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if c, ok := v.(ClinicContext); ok {
			return c, true
		}
	}
	return ClinicContext{}, false
}

func ClinicIDFromContext(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.ID
	}
	return ""
}

package transport

import "context"

type idemKey struct{}

// WithIdempotencyKey attaches the per-attempt key so gateways that support
// deduplication can forward it.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idemKey{}, key)
}

func IdempotencyKey(ctx context.Context) string {
	s, _ := ctx.Value(idemKey{}).(string)
	return s
}

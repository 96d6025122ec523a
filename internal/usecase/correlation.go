package usecase

import "context"

type correlationKey struct{}

// WithCorrelationID attaches a delivery's correlation id to ctx for logging.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

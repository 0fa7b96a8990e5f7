package observability

import "context"

// sagaContextKey carries the (saga_id, step_id) pair through dispatch so
// governance denials and adapter logs can correlate with the driving saga.
type sagaContextKey struct{}

type sagaRef struct {
	sagaID string
	stepID string
}

// ContextWithSaga attaches saga/step identifiers to the context.
func ContextWithSaga(ctx context.Context, sagaID, stepID string) context.Context {
	if ctx == nil || sagaID == "" {
		return ctx
	}
	return context.WithValue(ctx, sagaContextKey{}, sagaRef{sagaID: sagaID, stepID: stepID})
}

// SagaFromContext returns the saga/step identifiers stored in the context, or
// empty strings when dispatch is not saga-driven.
func SagaFromContext(ctx context.Context) (sagaID, stepID string) {
	if ctx == nil {
		return "", ""
	}
	if v := ctx.Value(sagaContextKey{}); v != nil {
		if ref, ok := v.(sagaRef); ok {
			return ref.sagaID, ref.stepID
		}
	}
	return "", ""
}

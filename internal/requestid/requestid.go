// Package requestid threads the correlation id supplied by the tracing
// middleware through context. The ledger only echoes it; it never mints one
// for calls that already carry it.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// NewContext returns ctx carrying the request id.
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request id or "" when none was supplied.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns ctx with a request id, minting one when absent. Used at the
// process boundary only.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return NewContext(ctx, id), id
}

package dbusmsg

import (
	"context"
)

type callFlagsContextKey struct{}

func withContextCallFlag(ctx context.Context, flag byte) context.Context {
	return context.WithValue(ctx, callFlagsContextKey{}, contextCallFlags(ctx)|flag)
}

// WithNoAutoStart returns a context that makes [Message.Send] and
// [Message.Call] ask the bus not to start the destination service,
// if it isn't already running.
func WithNoAutoStart(ctx context.Context) context.Context {
	return withContextCallFlag(ctx, flagNoAutoStart)
}

// WithAllowInteraction returns a context that makes [Message.Call]
// tell the destination that the caller is prepared to wait for an
// interactive authorization prompt.
func WithAllowInteraction(ctx context.Context) context.Context {
	return withContextCallFlag(ctx, flagAllowInteract)
}

// contextCallFlags returns the message flags requested by ctx.
func contextCallFlags(ctx context.Context) byte {
	v, _ := ctx.Value(callFlagsContextKey{}).(byte)
	return v
}

package llm

import "context"

// DeltaCallback receives incremental text while a stream is in flight.
type DeltaCallback func(chunk string)

type deltaKey struct{}

// WithDeltaCallback attaches cb to ctx; every streamed chunk produced under
// ctx is also handed to cb.
func WithDeltaCallback(ctx context.Context, cb DeltaCallback) context.Context {
	return context.WithValue(ctx, deltaKey{}, cb)
}

func deltaCallback(ctx context.Context) DeltaCallback {
	cb, _ := ctx.Value(deltaKey{}).(DeltaCallback)
	return cb
}

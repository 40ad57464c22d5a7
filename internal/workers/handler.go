package workers

import (
	"context"

	"montage/internal/pipeline"
)

// Handler processes one dispatched attempt and produces its response. A
// returned error is converted into an error response by the Runner; handlers
// never talk to the bus themselves.
type Handler interface {
	Handle(ctx context.Context, dispatch pipeline.Dispatch) (pipeline.Response, error)
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, dispatch pipeline.Dispatch) (pipeline.Response, error)

// Handle calls f.
func (f Func) Handle(ctx context.Context, dispatch pipeline.Dispatch) (pipeline.Response, error) {
	return f(ctx, dispatch)
}

package bus

import (
	"context"

	"montage/internal/pipeline"
)

// DispatchHandler consumes one dispatch envelope. A non-nil error leaves the
// message on the channel for redelivery.
type DispatchHandler func(ctx context.Context, dispatch pipeline.Dispatch) error

// ResponseHandler consumes one worker response. A non-nil error leaves the
// message on the channel for redelivery.
type ResponseHandler func(ctx context.Context, response pipeline.Response) error

// Bus carries typed envelopes between the coordinator and stage workers.
type Bus interface {
	// PublishDispatch enqueues a dispatch on the stage's topic.
	PublishDispatch(ctx context.Context, dispatch pipeline.Dispatch) error
	// PublishResponse enqueues a worker response for the coordinator.
	PublishResponse(ctx context.Context, response pipeline.Response) error
	// SubscribeDispatches registers a consumer for one stage's topic.
	// Multiple subscriptions to the same stage share the topic.
	SubscribeDispatches(stage pipeline.Stage, handler DispatchHandler)
	// SubscribeResponses registers a consumer for the response topic.
	SubscribeResponses(handler ResponseHandler)
	// Start launches delivery loops; they stop when ctx is cancelled.
	Start(ctx context.Context)
	// Close stops delivery and waits for in-flight handlers.
	Close()
}

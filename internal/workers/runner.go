package workers

import (
	"context"
	"log/slog"
	"time"

	"montage/internal/bus"
	"montage/internal/logging"
	"montage/internal/pipeline"
	"montage/internal/services"
)

// Runner connects handlers to the message bus. Every registered handler gets
// its stage's dispatches; the response it produces is stamped with the
// dispatch's identity before publishing, so a buggy handler cannot misroute
// a reply onto another attempt.
type Runner struct {
	bus    bus.Bus
	logger *slog.Logger
}

// NewRunner constructs a runner over the given bus.
func NewRunner(messageBus bus.Bus, logger *slog.Logger) *Runner {
	return &Runner{
		bus:    messageBus,
		logger: logging.NewComponentLogger(logger, "workers"),
	}
}

// Register subscribes concurrency consumers for one stage. Must be called
// before the bus starts delivering to guarantee the first dispatch is seen.
func (r *Runner) Register(stage pipeline.Stage, handler Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		r.bus.SubscribeDispatches(stage, r.consume(handler))
	}
}

func (r *Runner) consume(handler Handler) bus.DispatchHandler {
	return func(ctx context.Context, dispatch pipeline.Dispatch) error {
		workCtx := services.WithRunID(ctx, dispatch.RunID)
		workCtx = services.WithStage(workCtx, string(dispatch.Stage))
		workCtx = services.WithAttempt(workCtx, dispatch.Attempt)
		if !dispatch.Deadline.IsZero() {
			var cancel context.CancelFunc
			workCtx, cancel = context.WithDeadline(workCtx, dispatch.Deadline)
			defer cancel()
		}
		log := logging.WithContext(workCtx, r.logger)

		started := time.Now()
		response, err := handler.Handle(workCtx, dispatch)
		if err != nil {
			if services.Retryable(err) {
				log.Warn("handler failed", logging.Error(err))
			} else {
				log.Error("handler failed", logging.Error(err))
			}
			response = pipeline.Response{
				Status:     pipeline.ResponseError,
				ErrorCause: err.Error(),
			}
		}

		response.RunID = dispatch.RunID
		response.Stage = dispatch.Stage
		response.Attempt = dispatch.Attempt
		response.Cycle = dispatch.Cycle

		log.Debug("stage handled",
			logging.String("status", string(response.Status)),
			logging.Duration("elapsed", time.Since(started)),
		)

		// Publishing is the only failure worth redelivering the dispatch for.
		return r.bus.PublishResponse(ctx, response)
	}
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"montage/internal/logging"
	"montage/internal/pipeline"
)

const responseTopic = "responses"

const defaultRedeliveryDelay = 100 * time.Millisecond

func dispatchTopic(stage pipeline.Stage) string {
	return "dispatch." + string(stage)
}

// Memory is an in-process Bus backed by per-topic buffered channels. A
// handler error requeues the message after a short delay, which gives the
// at-least-once semantics consumers are written against.
type Memory struct {
	depth           int
	redeliveryDelay time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	topics  map[string]*topic
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

type topic struct {
	messages chan any
	handlers []func(ctx context.Context, payload any) error
}

// NewMemory constructs an in-process bus with the given per-topic buffer
// depth.
func NewMemory(depth int, logger *slog.Logger) *Memory {
	if depth < 1 {
		depth = 1
	}
	return &Memory{
		depth:           depth,
		redeliveryDelay: defaultRedeliveryDelay,
		logger:          logging.NewComponentLogger(logger, "bus"),
		topics:          make(map[string]*topic),
	}
}

// SetRedeliveryDelay overrides the pause before a failed delivery is retried.
func (m *Memory) SetRedeliveryDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delay > 0 {
		m.redeliveryDelay = delay
	}
}

func (m *Memory) topicFor(name string) *topic {
	if t, ok := m.topics[name]; ok {
		return t
	}
	t := &topic{messages: make(chan any, m.depth)}
	m.topics[name] = t
	return t
}

// PublishDispatch enqueues a dispatch on the stage's topic, blocking when the
// buffer is full.
func (m *Memory) PublishDispatch(ctx context.Context, dispatch pipeline.Dispatch) error {
	return m.publish(ctx, dispatchTopic(dispatch.Stage), dispatch)
}

// PublishResponse enqueues a worker response for the coordinator.
func (m *Memory) PublishResponse(ctx context.Context, response pipeline.Response) error {
	return m.publish(ctx, responseTopic, response)
}

func (m *Memory) publish(ctx context.Context, name string, payload any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("bus closed")
	}
	t := m.topicFor(name)
	m.mu.Unlock()

	select {
	case t.messages <- payload:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", name, ctx.Err())
	}
}

// SubscribeDispatches registers a consumer for one stage's topic.
func (m *Memory) SubscribeDispatches(stage pipeline.Stage, handler DispatchHandler) {
	m.subscribe(dispatchTopic(stage), func(ctx context.Context, payload any) error {
		dispatch, ok := payload.(pipeline.Dispatch)
		if !ok {
			return fmt.Errorf("unexpected payload type %T on dispatch topic", payload)
		}
		return handler(ctx, dispatch)
	})
}

// SubscribeResponses registers a consumer for the response topic.
func (m *Memory) SubscribeResponses(handler ResponseHandler) {
	m.subscribe(responseTopic, func(ctx context.Context, payload any) error {
		response, ok := payload.(pipeline.Response)
		if !ok {
			return fmt.Errorf("unexpected payload type %T on response topic", payload)
		}
		return handler(ctx, response)
	})
}

func (m *Memory) subscribe(name string, handler func(ctx context.Context, payload any) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topicFor(name)
	t.handlers = append(t.handlers, handler)
	if m.started {
		m.startConsumer(name, t, len(t.handlers)-1)
	}
}

// Start launches one delivery loop per registered subscription. Subscriptions
// added later start their loops immediately.
func (m *Memory) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	for name, t := range m.topics {
		for i := range t.handlers {
			m.startConsumer(name, t, i)
		}
	}
}

// startConsumer requires m.mu held.
func (m *Memory) startConsumer(name string, t *topic, handlerIdx int) {
	handler := t.handlers[handlerIdx]
	ctx := m.ctx
	delay := m.redeliveryDelay
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-t.messages:
				m.deliver(ctx, name, t, handler, payload, delay)
			}
		}
	}()
}

func (m *Memory) deliver(ctx context.Context, name string, t *topic, handler func(context.Context, any) error, payload any, delay time.Duration) {
	for {
		err := handler(ctx, payload)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		m.logger.Warn("delivery failed; message will be redelivered",
			logging.String("topic", name),
			logging.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Close stops delivery loops and waits for in-flight handlers to return.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

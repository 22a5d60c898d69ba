// Package bridge receives typed messages pushed by the page that embeds the
// widget and dispatches them to registered handlers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/pkg/logger"
	"github.com/capitalize-ai/copilot-chat/pkg/metrics"
)

// TypeContext carries structured context for the next question.
const TypeContext = "COPILOT_CONTEXT"

var (
	// ErrQueueFull is returned by Push when the inbound queue is full.
	ErrQueueFull = errors.New("bridge queue is full")
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("bridge is closed")
)

// Envelope is one message from the host.
type Envelope struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Source string          `json:"-"`
}

// Handler processes one envelope type.
type Handler func(ctx context.Context, env Envelope) error

// Source delivers envelopes from a transport until unsubscribed.
type Source interface {
	Subscribe(ctx context.Context, deliver func(Envelope)) (unsubscribe func(), err error)
}

// Bridge is the inbound host message queue.
type Bridge struct {
	log   *logger.Logger
	queue chan Envelope

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// New creates a bridge with a queue of size entries.
func New(size int, log *logger.Logger) *Bridge {
	if size <= 0 {
		size = 64
	}
	return &Bridge{
		log:      logger.OrGlobal(log).Named("bridge"),
		queue:    make(chan Envelope, size),
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for typ, replacing any previous one.
func (b *Bridge) Register(typ string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[typ] = h
}

// Dispatch runs the handler registered for env.Type. Envelopes of unknown type
// are ignored.
func (b *Bridge) Dispatch(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	h, ok := b.handlers[env.Type]
	b.mu.RUnlock()

	metrics.HostMessagesTotal.WithLabelValues(env.Type, sourceOrDefault(env.Source)).Inc()

	if !ok {
		b.log.Debug("ignoring host message", zap.String("type", env.Type), zap.String("source", env.Source))
		return nil
	}
	if err := h(ctx, env); err != nil {
		return fmt.Errorf("failed to handle %s: %w", env.Type, err)
	}
	return nil
}

// Push enqueues env without blocking.
func (b *Bridge) Push(env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.queue <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run dispatches queued envelopes in order until ctx is done or the bridge is closed.
func (b *Bridge) Run(ctx context.Context) error {
	return b.Consume(ctx, b.queue)
}

// Consume dispatches envelopes from in until ctx is done or in is closed.
func (b *Bridge) Consume(ctx context.Context, in <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if err := b.Dispatch(ctx, env); err != nil {
				b.log.Warn("host message failed", zap.String("type", env.Type), zap.Error(err))
			}
		}
	}
}

// Subscribe attaches a transport. Envelopes it delivers are queued.
func (b *Bridge) Subscribe(ctx context.Context, src Source) (func(), error) {
	return src.Subscribe(ctx, func(env Envelope) {
		if err := b.Push(env); err != nil {
			b.log.Warn("dropping host message", zap.String("type", env.Type), zap.Error(err))
		}
	})
}

// Close stops accepting envelopes and ends Run once the queue drains.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
}

func sourceOrDefault(s string) string {
	if s == "" {
		return "direct"
	}
	return s
}

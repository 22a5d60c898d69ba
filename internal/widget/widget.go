// Package widget wires the assistant directory, conversation registry,
// message timeline, streaming session and host bridge into one chat widget.
package widget

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/internal/assistant"
	"github.com/capitalize-ai/copilot-chat/internal/backend"
	"github.com/capitalize-ai/copilot-chat/internal/bridge"
	"github.com/capitalize-ai/copilot-chat/internal/conversation"
	"github.com/capitalize-ai/copilot-chat/internal/model"
	"github.com/capitalize-ai/copilot-chat/internal/session"
	"github.com/capitalize-ai/copilot-chat/internal/sse"
	"github.com/capitalize-ai/copilot-chat/internal/timeline"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

// DefaultNoAssistant is shown when no assistant is available and the label is missing.
const DefaultNoAssistant = "No assistant available"

// Backend is everything the widget calls on the copilot backend.
type Backend interface {
	backend.API
	OpenStream(ctx context.Context, query string, handlers sse.Handlers) (sse.Conn, error)
}

// Params are the start-up parameters given by the embedding page.
type Params struct {
	Question     string
	ContextTitle string
	AssistantID  string
}

// Upload is a file to attach to the next question.
type Upload struct {
	Name    string
	Content io.Reader
}

// Options configure a Widget.
type Options struct {
	Registry  conversation.Options
	Session   session.Options
	QueueSize int
	Scroller  timeline.Scroller
	Now       func() time.Time
}

// Widget is one chat widget instance.
type Widget struct {
	id      string
	backend Backend
	log     *logger.Logger
	now     func() time.Time

	assistants *assistant.Directory
	registry   *conversation.Registry
	timeline   *timeline.Timeline
	pending    *bridge.Pending
	bridge     *bridge.Bridge
	session    *session.Session

	mu      sync.RWMutex
	labels  model.Labels
	draft   string
	version atomic.Uint64
}

// New creates a widget. Start loads its data.
func New(b Backend, opts Options, log *logger.Logger) *Widget {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry.Now == nil {
		opts.Registry.Now = opts.Now
	}

	id := uuid.NewString()
	log = logger.OrGlobal(log).With(zap.String("widget_id", id))

	w := &Widget{
		id:      id,
		backend: b,
		log:     log.Named("widget"),
		now:     opts.Now,
		pending: bridge.NewPending(),
		labels:  model.Labels{},
	}

	w.assistants = assistant.NewDirectory(b, log)
	w.registry = conversation.NewRegistry(b, opts.Registry, log)

	tlOpts := []timeline.Option{timeline.WithClock(opts.Now)}
	if opts.Scroller != nil {
		tlOpts = append(tlOpts, timeline.WithScroller(opts.Scroller))
	}
	w.timeline = timeline.New(tlOpts...)

	w.bridge = bridge.New(opts.QueueSize, log)
	w.bridge.Register(bridge.TypeContext, w.pending.HandleContext)

	w.session = session.New(session.Deps{
		Backend:    b,
		Registry:   w.registry,
		Timeline:   w.timeline,
		Pending:    w.pending,
		Assistants: w.assistants,
	}, opts.Session, log)

	// Switching assistant drops everything tied to the previous one.
	w.assistants.OnChange(func(prev, next *model.Assistant) {
		if prev == nil {
			return
		}
		w.session.Detach()
		w.registry.Reset()
		w.timeline.Reset()
	})

	return w
}

// ID returns the widget instance id.
func (w *Widget) ID() string {
	return w.id
}

// Start loads labels, assistants and the conversations of the selected
// assistant, and applies the start-up parameters. Fetch failures are logged
// and leave neutral defaults.
func (w *Widget) Start(ctx context.Context, p Params) error {
	labels, err := w.backend.Labels(ctx)
	if err != nil {
		w.log.Error("failed to load labels", zap.Error(err))
		labels = model.Labels{}
	}
	w.setLabels(labels)

	w.mu.Lock()
	w.draft = p.Question
	w.mu.Unlock()
	if p.ContextTitle != "" {
		w.pending.SetTitle(p.ContextTitle)
	}

	w.assistants.Load(ctx)
	if p.AssistantID != "" {
		if err := w.assistants.Select(p.AssistantID); err != nil {
			w.log.Warn("ignoring start-up assistant", zap.String("app_id", p.AssistantID), zap.Error(err))
		}
	}

	if appID := w.assistants.CurrentID(); appID != "" {
		w.registry.Load(ctx, appID)
	} else {
		w.log.Warn("no assistant available")
	}
	w.version.Add(1)
	return nil
}

func (w *Widget) setLabels(labels model.Labels) {
	w.mu.Lock()
	w.labels = labels
	w.mu.Unlock()

	w.registry.SetLabels(labels)
	w.timeline.SetLabels(labels)
	w.session.SetLabels(labels)
}

// Run dispatches host messages until ctx is done.
func (w *Widget) Run(ctx context.Context) error {
	return w.bridge.Run(ctx)
}

// Version increases whenever the snapshot may have changed. Equal versions
// mean equal snapshots.
func (w *Widget) Version() uint64 {
	return w.version.Load() +
		w.registry.Version() +
		w.timeline.Version() +
		w.pending.Version() +
		w.session.Version()
}

// Bridge returns the inbound host message queue.
func (w *Widget) Bridge() *bridge.Bridge {
	return w.bridge
}

// Ready reports whether an assistant can be used.
func (w *Widget) Ready() bool {
	return w.assistants.Available()
}

// SelectAssistant switches assistant and reloads its conversations.
func (w *Widget) SelectAssistant(ctx context.Context, appID string) error {
	prev := w.assistants.CurrentID()
	if err := w.assistants.Select(appID); err != nil {
		return fmt.Errorf("failed to select assistant %q: %w", appID, err)
	}
	if prev == appID {
		return nil
	}
	w.version.Add(1)
	w.registry.Load(ctx, appID)
	return nil
}

// NewConversation leaves the active conversation and clears the pending
// context and files. The conversation left behind is titled if needed.
func (w *Widget) NewConversation() {
	w.registry.ConsiderTitle(w.registry.Active())
	w.timeline.Reset()
	w.registry.ClearActive()
	w.pending.Consume()
}

// OpenConversation loads the history of id and makes it active. A history
// failure opens the conversation empty.
func (w *Widget) OpenConversation(ctx context.Context, id string) error {
	if _, ok := w.registry.Get(id); !ok {
		return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}

	history, err := w.backend.ConversationMessages(ctx, id)
	if err != nil {
		w.log.Error("failed to load conversation messages", zap.String("conversation_id", id), zap.Error(err))
		history = nil
	}

	w.timeline.Load(timeline.FromHistory(history, w.now()))
	w.registry.SelectAndMarkRead(id)
	return nil
}

// Submit sends a question in the active conversation.
func (w *Widget) Submit(ctx context.Context, input string) error {
	err := w.session.Submit(ctx, input)
	if err == nil {
		w.mu.Lock()
		w.draft = ""
		w.mu.Unlock()
		w.version.Add(1)
	}
	return err
}

// AttachFiles uploads files and attaches them to the next question.
func (w *Widget) AttachFiles(ctx context.Context, uploads []Upload) error {
	var (
		refs []model.FileRef
		ids  []string
	)
	for _, u := range uploads {
		uploaded, err := w.backend.UploadFile(ctx, u.Name, u.Content)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", u.Name, err)
		}
		refs = append(refs, model.FileRef{Name: u.Name})
		ids = append(ids, uploaded...)
	}
	w.pending.SetFiles(refs, ids)
	w.log.Info("files attached", zap.Int("count", len(refs)))
	return nil
}

// Wait blocks until open streams and title jobs have finished.
func (w *Widget) Wait() {
	w.session.Wait()
	w.registry.Wait()
}

// Close tears down streams, title jobs and the host bridge.
func (w *Widget) Close() {
	w.session.Close()
	w.registry.Close()
	w.bridge.Close()
}

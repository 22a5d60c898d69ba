// Package conversation keeps the conversation list of the selected assistant,
// the active conversation, the unread set and background title generation.
package conversation

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/copilot-chat/internal/model"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
	"github.com/capitalize-ai/copilot-chat/pkg/metrics"
)

// Fallback label values used before the label map is loaded.
const (
	DefaultPlaceholder = "Current conversation"
	DefaultGenerating  = "Generating..."
	DefaultUntitled    = "Untitled Conversation"
)

// Backend is the part of the backend the registry needs.
type Backend interface {
	Conversations(ctx context.Context, appID string) ([]model.Conversation, error)
	GenerateTitle(ctx context.Context, conversationID string) (string, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configure a Registry.
type Options struct {
	BatchSize    int
	BatchDelay   time.Duration
	Placeholders []string
	Sleep        SleepFunc
	Now          func() time.Time
}

// Registry is the conversation list with its title and unread bookkeeping.
type Registry struct {
	backend Backend
	log     *logger.Logger

	batchSize  int
	batchDelay time.Duration
	sleep      SleepFunc
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	conversations []model.Conversation
	active        string
	unread        map[string]struct{}
	inFlight      map[string]struct{}
	policy        TitlePolicy
	placeholder   string
	generating    string
	untitled      string
	epoch         int

	version atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(backend Backend, opts Options, log *logger.Logger) *Registry {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 3
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Placeholders) == 0 {
		opts.Placeholders = []string{DefaultPlaceholder, "Conversación actual"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		backend:     backend,
		log:         logger.OrGlobal(log).Named("conversation"),
		batchSize:   opts.BatchSize,
		batchDelay:  opts.BatchDelay,
		sleep:       opts.Sleep,
		now:         opts.Now,
		ctx:         ctx,
		cancel:      cancel,
		unread:      make(map[string]struct{}),
		inFlight:    make(map[string]struct{}),
		policy:      NewTitlePolicy(opts.Placeholders...),
		placeholder: DefaultPlaceholder,
		generating:  DefaultGenerating,
		untitled:    DefaultUntitled,
	}
}

// SetLabels applies the localized labels used for placeholder, generating
// and untitled titles. The localized placeholder also counts as untitled.
func (r *Registry) SetLabels(labels model.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.placeholder = labels.Get(model.LabelCurrentConversation, DefaultPlaceholder)
	r.generating = labels.Get(model.LabelGeneratingTitle, DefaultGenerating)
	r.untitled = labels.Get(model.LabelUntitled, DefaultUntitled)
	r.policy = r.policy.With(r.placeholder)
}

// Policy returns the current title policy.
func (r *Registry) Policy() TitlePolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// Load replaces the conversation set with the assistant's conversations and
// schedules background title generation for the untitled ones. A fetch
// failure leaves the set empty.
func (r *Registry) Load(ctx context.Context, appID string) []model.Conversation {
	conversations, err := r.backend.Conversations(ctx, appID)
	if err != nil {
		r.log.Error("failed to load conversations", zap.String("app_id", appID), zap.Error(err))
		conversations = nil
	}

	r.mu.Lock()
	r.epoch++
	epoch := r.epoch
	r.conversations = append([]model.Conversation(nil), conversations...)
	r.version.Add(1)
	var pending []string
	for _, c := range r.conversations {
		if r.policy.NeedsTitle(c) {
			pending = append(pending, c.ID)
		}
	}
	r.mu.Unlock()

	r.log.Info("conversations loaded",
		zap.String("app_id", appID),
		zap.Int("count", len(conversations)),
		zap.Int("untitled", len(pending)),
	)

	if len(pending) > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runTitleBatches(epoch, pending)
		}()
	}

	return r.Conversations()
}

// runTitleBatches titles ids in sequential batches. Calls within a batch run
// concurrently. A later Load or Reset stops the remaining batches.
func (r *Registry) runTitleBatches(epoch int, ids []string) {
	for start := 0; start < len(ids); start += r.batchSize {
		if !r.epochCurrent(epoch) || r.ctx.Err() != nil {
			return
		}

		end := min(start+r.batchSize, len(ids))
		g, ctx := errgroup.WithContext(r.ctx)
		for _, id := range ids[start:end] {
			g.Go(func() error {
				r.GenerateTitle(ctx, id)
				return nil
			})
		}
		_ = g.Wait()

		if end < len(ids) {
			if err := r.sleep(r.ctx, r.batchDelay); err != nil {
				return
			}
		}
	}
}

func (r *Registry) epochCurrent(epoch int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch == epoch
}

// GenerateTitle generates the title of id. It returns immediately when a
// generation for id is already in flight. Any failure sets the untitled label.
func (r *Registry) GenerateTitle(ctx context.Context, id string) {
	r.mu.Lock()
	if _, busy := r.inFlight[id]; busy {
		r.mu.Unlock()
		metrics.TitleGenerationsTotal.WithLabelValues("skipped").Inc()
		return
	}
	if r.indexLocked(id) < 0 {
		r.mu.Unlock()
		return
	}
	r.inFlight[id] = struct{}{}
	r.setTitleLocked(id, r.generating)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, id)
		r.mu.Unlock()
	}()

	title, err := r.backend.GenerateTitle(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err != nil:
		r.log.Warn("failed to generate title", zap.String("conversation_id", id), zap.Error(err))
		metrics.TitleGenerationsTotal.WithLabelValues("error").Inc()
		r.setTitleLocked(id, r.untitled)
	case strings.TrimSpace(title) == "":
		metrics.TitleGenerationsTotal.WithLabelValues("empty").Inc()
		r.setTitleLocked(id, r.untitled)
	default:
		metrics.TitleGenerationsTotal.WithLabelValues("success").Inc()
		r.setTitleLocked(id, title)
	}
}

// GenerateTitleAsync runs GenerateTitle in the background.
func (r *Registry) GenerateTitleAsync(id string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.GenerateTitle(r.ctx, id)
	}()
}

// ConsiderTitle fires title generation for id when its title is still a placeholder.
func (r *Registry) ConsiderTitle(id string) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	i := r.indexLocked(id)
	_, busy := r.inFlight[id]
	needs := i >= 0 && !busy && r.policy.NeedsTitle(r.conversations[i])
	r.mu.Unlock()

	if needs {
		r.GenerateTitleAsync(id)
	}
	return needs
}

// AddNew prepends a placeholder-titled conversation. It is a no-op when id is
// already registered.
func (r *Registry) AddNew(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" || r.indexLocked(id) >= 0 {
		return false
	}
	title := r.placeholder
	c := model.Conversation{ID: id, Title: &title, CreatedAt: r.now()}
	r.conversations = append([]model.Conversation{c}, r.conversations...)
	r.version.Add(1)
	return true
}

// Select makes id active. Leaving a conversation that still has a placeholder
// title fires its title generation.
func (r *Registry) Select(id string) {
	r.mu.Lock()
	prev := r.active
	r.active = id
	r.version.Add(1)
	r.mu.Unlock()

	if prev != "" && prev != id {
		r.ConsiderTitle(prev)
	}
}

// SelectAndMarkRead selects id and removes it from the unread set.
func (r *Registry) SelectAndMarkRead(id string) {
	r.Select(id)
	r.MarkRead(id)
}

// Active returns the active conversation id, or "".
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ClearActive leaves the active conversation without selecting another.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = ""
	r.version.Add(1)
}

// MarkUnread records that id received a message while not active.
func (r *Registry) MarkUnread(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unread[id] = struct{}{}
	r.version.Add(1)
}

// MarkRead removes id from the unread set.
func (r *Registry) MarkRead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unread, id)
	r.version.Add(1)
}

// IsUnread reports whether id is in the unread set.
func (r *Registry) IsUnread(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.unread[id]
	return ok
}

// Unread returns the unread ids in display order.
func (r *Registry) Unread() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, c := range r.conversations {
		if _, ok := r.unread[c.ID]; ok {
			out = append(out, c.ID)
		}
	}
	return out
}

// Get returns the conversation with id.
func (r *Registry) Get(id string) (model.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.conversations[i], true
	}
	return model.Conversation{}, false
}

// Conversations returns a copy of the conversation list in display order.
func (r *Registry) Conversations() []model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Conversation(nil), r.conversations...)
}

// Reset drops all conversations, the active id and the unread set.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.conversations = nil
	r.active = ""
	r.unread = make(map[string]struct{})
	r.version.Add(1)
}

// Wait blocks until background title jobs have finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Close cancels background title jobs and waits for them.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) indexLocked(id string) int {
	for i, c := range r.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) setTitleLocked(id, title string) {
	if i := r.indexLocked(id); i >= 0 {
		r.conversations[i] = r.conversations[i].WithTitle(title)
		r.version.Add(1)
	}
}

// Version increases on every change to the list, titles, active id or
// unread set.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

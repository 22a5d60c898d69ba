// Package session runs question exchanges: it opens one event stream per
// submitted question and routes the streamed frames to the conversation they
// belong to.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/internal/bridge"
	"github.com/capitalize-ai/copilot-chat/internal/model"
	"github.com/capitalize-ai/copilot-chat/internal/sse"
	"github.com/capitalize-ai/copilot-chat/internal/timeline"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
	"github.com/capitalize-ai/copilot-chat/pkg/metrics"
)

var (
	// ErrBusy is returned by Submit while a question is in flight.
	ErrBusy = errors.New("a question is already in flight")
	// ErrNoAssistant is returned by Submit when no assistant is selected.
	ErrNoAssistant = errors.New("no assistant selected")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("session is closed")
)

// DefaultConnError is the error text used when a failure carries no message.
const DefaultConnError = "Connection error"

// State is the phase of the current exchange.
type State int32

const (
	Idle State = iota
	Sending
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Exchange outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeClosed  = "closed"
)

// Backend opens streams and caches oversized questions.
type Backend interface {
	OpenStream(ctx context.Context, query string, handlers sse.Handlers) (sse.Conn, error)
	CacheQuestion(ctx context.Context, question string) error
}

// Registry is the conversation bookkeeping the session routes into.
type Registry interface {
	Active() string
	AddNew(id string) bool
	Select(id string)
	MarkUnread(id string)
	ConsiderTitle(id string) bool
}

// Timeline is the rendered message list of the active conversation.
type Timeline interface {
	AppendQuestion(text string, att timeline.Attachments) model.Message
	Append(role model.Role, in timeline.Incoming) model.Message
	Len() int
}

// Pending supplies the context and files carried by the next question.
// Take hands them over and clears them atomically.
type Pending interface {
	Take() bridge.Snapshot
}

// AssistantSource reports the selected assistant.
type AssistantSource interface {
	CurrentID() string
}

// Ticker is the completion poll clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Options configure a Session.
type Options struct {
	CacheThreshold int
	CacheAttempts  int
	PollInterval   time.Duration
	TitleThreshold int
	NewTicker      TickerFunc
	// NewBackOff builds the retry schedule of cacheQuestion calls.
	NewBackOff func() backoff.BackOff
}

// Deps are the components a Session drives.
type Deps struct {
	Backend    Backend
	Registry   Registry
	Timeline   Timeline
	Pending    Pending
	Assistants AssistantSource
}

// Session submits questions and consumes their streams.
type Session struct {
	deps Deps
	opts Options
	log  *logger.Logger

	loading atomic.Bool
	state   atomic.Int32
	version atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	labels    model.Labels
	exchanges map[*exchange]struct{}
	closed    bool

	// routeMu orders frame routing against Detach.
	routeMu    sync.RWMutex
	generation atomic.Uint64
}

// New creates an idle session.
func New(deps Deps, opts Options, log *logger.Logger) *Session {
	if opts.CacheThreshold <= 0 {
		opts.CacheThreshold = 7000
	}
	if opts.CacheAttempts <= 0 {
		opts.CacheAttempts = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.TitleThreshold <= 0 {
		opts.TitleThreshold = 6
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newTimeTicker
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		deps:      deps,
		opts:      opts,
		log:       logger.OrGlobal(log).Named("session"),
		ctx:       ctx,
		cancel:    cancel,
		exchanges: make(map[*exchange]struct{}),
	}
}

// SetLabels sets the label map used for error messages.
func (s *Session) SetLabels(labels model.Labels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = labels
}

// Loading reports whether a question is in flight.
func (s *Session) Loading() bool {
	return s.loading.Load()
}

// State returns the phase of the latest exchange.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.version.Add(1)
}

// Version increases whenever the state or loading flag changes.
func (s *Session) Version() uint64 {
	return s.version.Load()
}

// Detach cuts in-flight exchanges off the view. Their streams run to the end,
// but their frames and errors are dropped instead of touching the registry or
// timeline. Call it before resetting them on an assistant switch.
func (s *Session) Detach() {
	s.routeMu.Lock()
	defer s.routeMu.Unlock()
	s.generation.Add(1)
}

func (s *Session) detached(ex *exchange) bool {
	return ex.generation != s.generation.Load()
}

// Submit sends input as a question. Blank input is ignored. The call returns
// once the stream is open; frames are handled in the background.
func (s *Session) Submit(ctx context.Context, input string) error {
	question := strings.TrimSpace(input)
	if question == "" {
		return nil
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	generation := s.generation.Load()
	appID := s.deps.Assistants.CurrentID()
	if appID == "" {
		return ErrNoAssistant
	}

	if !s.loading.CompareAndSwap(false, true) {
		return ErrBusy
	}
	s.setState(Sending)

	pending := s.deps.Pending.Take()
	finalQuestion := WrapContext(question, pending.Payload)
	s.deps.Timeline.AppendQuestion(question, timeline.Attachments{
		ContextTitle: pending.Title,
		Files:        pending.Files,
	})

	ex := &exchange{
		id:             uuid.NewString(),
		generation:     generation,
		conversationID: s.deps.Registry.Active(),
	}
	ex.log = s.log.With(zap.String("exchange_id", ex.id)).WithConversation(appID, ex.conversationID)

	req := NewRequest(finalQuestion, appID, ex.conversationID, pending.FileIDs, s.opts.CacheThreshold)
	if req.Cached {
		if err := s.cacheQuestion(ctx, ex, finalQuestion); err != nil {
			s.finish(ex, OutcomeError, fmt.Errorf("failed to cache question: %w", err))
			return err
		}
	}

	s.track(ex)
	conn, err := s.deps.Backend.OpenStream(s.ctx, req.Encode(), sse.Handlers{
		OnMessage: func(e sse.Event) { s.handleFrame(ex, e) },
		OnError:   func(err error) { s.finish(ex, OutcomeError, err) },
	})
	if err != nil {
		s.finish(ex, OutcomeError, fmt.Errorf("failed to open stream: %w", err))
		return err
	}

	if !ex.attach(conn) {
		// The stream already failed while it was being opened.
		conn.Close()
		return nil
	}

	if !ex.finished.Load() {
		s.setState(Streaming)
	}
	metrics.IncrementStreams()
	ex.log.Info("question stream opened", zap.Bool("cached", req.Cached), zap.Int("files", len(pending.FileIDs)))

	s.wg.Add(1)
	go s.poll(ex, conn)
	return nil
}

func (s *Session) cacheQuestion(ctx context.Context, ex *exchange, question string) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(s.opts.NewBackOff(), uint64(s.opts.CacheAttempts-1)),
		ctx,
	)
	return backoff.RetryNotify(
		func() error { return s.deps.Backend.CacheQuestion(ctx, question) },
		b,
		func(err error, wait time.Duration) {
			metrics.QuestionCacheRetries.Inc()
			ex.log.Warn("retrying question cache", zap.Error(err), zap.Duration("wait", wait))
		},
	)
}

// poll watches the connection's ready state and finishes the exchange once it closes.
func (s *Session) poll(ex *exchange, conn sse.Conn) {
	defer s.wg.Done()

	t := s.opts.NewTicker(s.opts.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.finish(ex, OutcomeClosed, nil)
			return
		case <-t.C():
			if ex.finished.Load() {
				return
			}
			if conn.ReadyState() == sse.Closed {
				s.finish(ex, OutcomeSuccess, nil)
				return
			}
		}
	}
}

// handleFrame routes one stream frame. Frames of one stream arrive in order
// on a single goroutine.
func (s *Session) handleFrame(ex *exchange, e sse.Event) {
	var frame model.StreamFrame
	if err := json.Unmarshal([]byte(e.Data), &frame); err != nil {
		ex.log.Warn("skipping malformed frame", zap.Error(err))
		metrics.RecordFrame("", metrics.RouteInvalid)
		return
	}
	answer := frame.Answer
	if answer == nil {
		metrics.RecordFrame("", metrics.RouteIgnored)
		return
	}

	role := model.ParseRole(answer.Role)

	s.routeMu.RLock()
	defer s.routeMu.RUnlock()
	if s.detached(ex) {
		ex.log.Debug("dropping frame of a detached exchange",
			zap.String("frame_conversation_id", answer.ConversationID),
		)
		metrics.RecordFrame(string(role), metrics.RouteStale)
		return
	}

	active := s.deps.Registry.Active()

	if id, adopted := ex.adopt(answer.ConversationID); adopted {
		s.deps.Registry.AddNew(id)
		// The backend created the conversation; open it unless the user
		// already moved to another one.
		if active == "" {
			s.deps.Registry.Select(id)
			active = id
		}
		ex.log.Info("conversation created", zap.String("conversation_id", id))
	}

	if role == model.RoleDebug {
		ex.log.Debug("debug frame", zap.String("response", answer.ResponseText()))
		metrics.RecordFrame(string(role), metrics.RouteDebug)
		return
	}
	if answer.ResponseText() == "" {
		metrics.RecordFrame(string(role), metrics.RouteIgnored)
		return
	}

	target := answer.ConversationID
	if target == "" {
		target = ex.conversation()
	}

	if target != active {
		s.deps.Registry.MarkUnread(target)
		metrics.RecordFrame(string(role), metrics.RouteUnread)
		return
	}

	s.deps.Timeline.Append(role, timeline.Incoming{
		MessageID: answer.MessageID,
		Response:  answer.Response,
	})
	metrics.RecordFrame(string(role), metrics.RouteRendered)

	if role == model.RoleBot && target != "" && s.deps.Timeline.Len() >= s.opts.TitleThreshold {
		s.deps.Registry.ConsiderTitle(target)
	}
}

// finish ends ex once. A non-nil err adds one error message to the
// conversation the exchange belongs to.
func (s *Session) finish(ex *exchange, outcome string, err error) {
	ex.once.Do(func() {
		ex.finished.Store(true)

		if err != nil {
			ex.log.Error("question stream failed", zap.Error(err))
			s.reportError(ex, err)
		} else {
			ex.log.Info("question stream closed", zap.String("outcome", outcome))
		}

		ex.close()
		if ex.streaming() {
			metrics.DecrementStreams(outcome)
		}

		s.mu.Lock()
		delete(s.exchanges, ex)
		s.mu.Unlock()

		s.loading.Store(false)
		s.setState(Closed)
	})
}

func (s *Session) reportError(ex *exchange, err error) {
	s.mu.Lock()
	labels := s.labels
	s.mu.Unlock()

	s.routeMu.RLock()
	defer s.routeMu.RUnlock()
	if s.detached(ex) {
		return
	}

	text := err.Error()
	if strings.TrimSpace(text) == "" {
		text = labels.Get(model.LabelConnError, DefaultConnError)
	}

	target := ex.conversation()
	if target != s.deps.Registry.Active() {
		s.deps.Registry.MarkUnread(target)
		return
	}
	s.deps.Timeline.Append(model.RoleError, timeline.Incoming{Text: text})
}

func (s *Session) track(ex *exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges[ex] = struct{}{}
}

// Wait blocks until every open exchange has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close tears down every open stream.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	open := make([]*exchange, 0, len(s.exchanges))
	for ex := range s.exchanges {
		open = append(open, ex)
	}
	s.mu.Unlock()

	s.cancel()
	for _, ex := range open {
		s.finish(ex, OutcomeClosed, nil)
	}
	s.wg.Wait()
}

// exchange is one submitted question and its stream.
type exchange struct {
	id         string
	generation uint64
	log        *logger.Logger

	mu             sync.Mutex
	conversationID string
	conn           sse.Conn

	once     sync.Once
	finished atomic.Bool
}

func (ex *exchange) conversation() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.conversationID
}

// adopt binds the exchange to id when it has no conversation yet.
func (ex *exchange) adopt(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.conversationID != "" {
		return "", false
	}
	ex.conversationID = id
	return id, true
}

// attach stores conn. It reports false when the exchange already finished.
func (ex *exchange) attach(conn sse.Conn) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished.Load() {
		return false
	}
	ex.conn = conn
	return true
}

func (ex *exchange) streaming() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.conn != nil
}

func (ex *exchange) close() {
	ex.mu.Lock()
	conn := ex.conn
	ex.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

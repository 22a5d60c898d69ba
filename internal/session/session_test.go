package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/copilot-chat/internal/bridge"
	"github.com/capitalize-ai/copilot-chat/internal/conversation"
	"github.com/capitalize-ai/copilot-chat/internal/model"
	"github.com/capitalize-ai/copilot-chat/internal/sse"
	"github.com/capitalize-ai/copilot-chat/internal/timeline"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

type fakeConn struct {
	state  atomic.Int32
	closed atomic.Int32
}

func (c *fakeConn) ReadyState() sse.ReadyState { return sse.ReadyState(c.state.Load()) }

func (c *fakeConn) Close() {
	c.closed.Add(1)
	c.state.Store(int32(sse.Closed))
}

type fakeBackend struct {
	mu         sync.Mutex
	queries    []string
	handlers   []sse.Handlers
	conns      []*fakeConn
	cached     []string
	cacheErr   error
	cacheCalls int
	openErr    error
}

func (f *fakeBackend) OpenStream(_ context.Context, query string, h sse.Handlers) (sse.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	c := &fakeConn{}
	c.state.Store(int32(sse.Open))
	f.queries = append(f.queries, query)
	f.handlers = append(f.handlers, h)
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeBackend) CacheQuestion(_ context.Context, q string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheCalls++
	if f.cacheErr != nil {
		return f.cacheErr
	}
	f.cached = append(f.cached, q)
	return nil
}

func (f *fakeBackend) last() (string, sse.Handlers, *fakeConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.queries) - 1
	return f.queries[n], f.handlers[n], f.conns[n]
}

type fakeTitles struct{}

func (fakeTitles) Conversations(context.Context, string) ([]model.Conversation, error) {
	return nil, nil
}

func (fakeTitles) GenerateTitle(context.Context, string) (string, error) {
	return "Titled", nil
}

type staticAssistant string

func (a staticAssistant) CurrentID() string { return string(a) }

type manualTicker struct{ c chan time.Time }

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Stop()               {}

type fixture struct {
	backend  *fakeBackend
	registry *conversation.Registry
	timeline *timeline.Timeline
	pending  *bridge.Pending
	ticker   *manualTicker
	session  *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPending(t, nil)
}

// newFixtureWithPending builds a fixture whose session takes pending state
// from p instead of the fixture store.
func newFixtureWithPending(t *testing.T, p Pending) *fixture {
	t.Helper()

	f := &fixture{
		backend: &fakeBackend{},
		pending: bridge.NewPending(),
		ticker:  &manualTicker{c: make(chan time.Time)},
	}
	f.registry = conversation.NewRegistry(fakeTitles{}, conversation.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
	}, logger.NewNop())
	f.timeline = timeline.New()
	if p == nil {
		p = f.pending
	}
	f.session = New(Deps{
		Backend:    f.backend,
		Registry:   f.registry,
		Timeline:   f.timeline,
		Pending:    p,
		Assistants: staticAssistant("a1"),
	}, Options{
		NewTicker:  func(time.Duration) Ticker { return f.ticker },
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, logger.NewNop())

	t.Cleanup(func() {
		f.session.Close()
		f.registry.Close()
	})
	return f
}

func frame(t *testing.T, answer map[string]any) sse.Event {
	t.Helper()
	data, err := json.Marshal(map[string]any{"answer": answer})
	require.NoError(t, err)
	return sse.Event{Type: "message", Data: string(data)}
}

func texts(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Text
	}
	return out
}

func TestSubmitIgnoresBlankInput(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Submit(context.Background(), "   "))
	assert.False(t, f.session.Loading())
	assert.Zero(t, f.timeline.Len())
	assert.Empty(t, f.backend.queries)
}

func TestSubmitRejectsConcurrentQuestion(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Submit(context.Background(), "first"))
	assert.True(t, f.session.Loading())
	assert.Equal(t, Streaming, f.session.State())

	assert.ErrorIs(t, f.session.Submit(context.Background(), "second"), ErrBusy)
	assert.Len(t, f.backend.queries, 1)
}

func TestNewConversationAutoOpen(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Submit(context.Background(), "Hello"))
	query, h, conn := f.backend.last()
	assert.Equal(t, "question=Hello&app_id=a1", query)

	h.OnMessage(frame(t, map[string]any{"conversation_id": "c1", "role": "bot", "response": "Hi"}))

	assert.Equal(t, "c1", f.registry.Active())
	c, ok := f.registry.Get("c1")
	require.True(t, ok)
	assert.Equal(t, conversation.DefaultPlaceholder, c.TitleText())
	assert.Equal(t, []string{"user:Hello", "bot:Hi"}, texts(f.timeline.Messages()))

	// The stream closes and the next poll finishes the exchange.
	conn.state.Store(int32(sse.Closed))
	f.ticker.c <- time.Now()
	require.Eventually(t, func() bool { return !f.session.Loading() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, Closed, f.session.State())
}

func TestFramesForOtherConversationMarkUnread(t *testing.T) {
	f := newFixture(t)
	f.registry.AddNew("c1")
	f.registry.AddNew("c2")
	f.registry.Select("c1")

	require.NoError(t, f.session.Submit(context.Background(), "question"))
	query, h, _ := f.backend.last()
	assert.Equal(t, "question=question&app_id=a1&conversation_id=c1", query)
	before := texts(f.timeline.Messages())

	h.OnMessage(frame(t, map[string]any{"conversation_id": "c2", "response": "update"}))

	assert.Equal(t, before, texts(f.timeline.Messages()))
	assert.True(t, f.registry.IsUnread("c2"))
}

func TestConversationAffinityAfterSwitch(t *testing.T) {
	f := newFixture(t)
	f.registry.AddNew("A")
	f.registry.AddNew("B")
	f.registry.Select("A")

	require.NoError(t, f.session.Submit(context.Background(), "q"))
	_, h, _ := f.backend.last()

	h.OnMessage(frame(t, map[string]any{"role": "tool", "response": "searching"}))
	h.OnMessage(frame(t, map[string]any{"conversation_id": "A", "response": "partial"}))

	// The user opens B while the stream of A is still running.
	f.registry.SelectAndMarkRead("B")
	f.timeline.Reset()

	h.OnMessage(frame(t, map[string]any{"response": "untagged"}))
	h.OnMessage(frame(t, map[string]any{"conversation_id": "A", "response": "late"}))

	assert.Empty(t, f.timeline.Messages())
	assert.True(t, f.registry.IsUnread("A"))
	assert.False(t, f.registry.IsUnread("B"))
}

func TestFrameFiltering(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Submit(context.Background(), "q"))
	_, h, _ := f.backend.last()

	h.OnMessage(sse.Event{Data: "{not json"})
	h.OnMessage(sse.Event{Data: `{"ping":true}`})
	h.OnMessage(frame(t, map[string]any{"role": "debug", "response": "trace"}))
	h.OnMessage(frame(t, map[string]any{"role": "bot", "response": ""}))

	assert.Equal(t, []string{"user:q", "wait:" + timeline.GlyphWait + timeline.DefaultProcessing}, texts(f.timeline.Messages()))

	h.OnMessage(frame(t, map[string]any{"role": "tool", "response": "lookup"}))
	h.OnMessage(frame(t, map[string]any{"response": map[string]any{"total": 3}}))

	assert.Equal(t, []string{"user:q", "bot:{\n  \"total\": 3\n}"}, texts(f.timeline.Messages()))
}

func TestStreamErrorAddsOneErrorMessage(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Submit(context.Background(), "q"))
	_, h, conn := f.backend.last()

	h.OnError(errors.New("stream failed with HTTP status: 502"))
	h.OnError(errors.New("again"))

	assert.False(t, f.session.Loading())
	assert.Equal(t, int32(1), conn.closed.Load())
	msgs := f.timeline.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleError, msgs[1].Role)
	assert.Contains(t, msgs[1].Text, "502")

	// The session accepts a new question afterwards.
	require.NoError(t, f.session.Submit(context.Background(), "retry"))
}

func TestOpenStreamFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.openErr = errors.New("dial tcp: refused")

	err := f.session.Submit(context.Background(), "q")
	require.Error(t, err)
	assert.False(t, f.session.Loading())
	last, _ := f.timeline.Last()
	assert.Equal(t, model.RoleError, last.Role)
}

func TestOversizedQuestionIsCached(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("x", 7001)

	require.NoError(t, f.session.Submit(context.Background(), long))

	query, _, _ := f.backend.last()
	assert.Equal(t, "app_id=a1", query)
	assert.Equal(t, []string{long}, f.backend.cached)
}

func TestCacheFailureAbortsAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.backend.cacheErr = errors.New("503")

	err := f.session.Submit(context.Background(), strings.Repeat("y", 7001))

	require.Error(t, err)
	assert.Equal(t, 3, f.backend.cacheCalls)
	assert.Empty(t, f.backend.queries)
	assert.False(t, f.session.Loading())

	var errs int
	for _, m := range f.timeline.Messages() {
		if m.Role == model.RoleError {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
}

func TestSubmitCarriesContextAndFiles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pending.HandleContext(context.Background(), bridge.Envelope{
		Type: bridge.TypeContext,
		Data: json.RawMessage(`{"contextTitle":"Order 9"}`),
	}))
	f.pending.SetFiles([]model.FileRef{{Name: "a.pdf"}}, []string{"F1"})

	require.NoError(t, f.session.Submit(context.Background(), "sum?"))

	query, _, _ := f.backend.last()
	assert.Equal(t,
		"question="+EncodeURIComponent("<Context>{\n  \"contextTitle\": \"Order 9\"\n}</Context>\n<Question>sum?</Question>")+"&app_id=a1&file=F1",
		query)

	first := f.timeline.Messages()[0]
	assert.Equal(t, "sum?", first.Text)
	assert.Equal(t, "Order 9", first.Context)
	assert.Equal(t, []model.FileRef{{Name: "a.pdf"}}, first.Files)
	assert.Empty(t, f.pending.Snapshot().Payload)
	assert.Empty(t, f.pending.Snapshot().FileIDs)
}

// lateContext delivers a host context right after the session has taken the
// pending state, as a concurrent bridge dispatch would.
type lateContext struct {
	*bridge.Pending
	deliver func()
}

func (l *lateContext) Take() bridge.Snapshot {
	snap := l.Pending.Take()
	if l.deliver != nil {
		l.deliver()
		l.deliver = nil
	}
	return snap
}

func TestContextArrivingDuringSubmitWaitsForNextQuestion(t *testing.T) {
	store := bridge.NewPending()
	late := &lateContext{Pending: store}
	late.deliver = func() {
		require.NoError(t, store.HandleContext(context.Background(), bridge.Envelope{
			Type: bridge.TypeContext,
			Data: json.RawMessage(`{"contextTitle":"Order 42"}`),
		}))
	}
	f := newFixtureWithPending(t, late)

	require.NoError(t, f.session.Submit(context.Background(), "first"))

	query, _, conn := f.backend.last()
	assert.Equal(t, "question=first&app_id=a1", query)
	assert.Empty(t, f.timeline.Messages()[0].Context)

	snap := store.Snapshot()
	assert.Equal(t, "Order 42", snap.Title)
	assert.JSONEq(t, `{"contextTitle":"Order 42"}`, string(snap.Payload))

	conn.state.Store(int32(sse.Closed))
	f.ticker.c <- time.Now()
	require.Eventually(t, func() bool { return !f.session.Loading() }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.session.Submit(context.Background(), "second"))
	query, _, _ = f.backend.last()
	assert.Contains(t, query, EncodeURIComponent("<Context>"))
	var lastUser model.Message
	for _, m := range f.timeline.Messages() {
		if m.Role == model.RoleUser {
			lastUser = m
		}
	}
	assert.Equal(t, "second", lastUser.Text)
	assert.Equal(t, "Order 42", lastUser.Context)
	assert.Empty(t, store.Snapshot().Payload)
}

func TestDetachedExchangeLeavesViewAlone(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Submit(context.Background(), "Hello"))
	_, h, conn := f.backend.last()

	f.session.Detach()
	f.registry.Reset()
	f.timeline.Reset()

	h.OnMessage(frame(t, map[string]any{"conversation_id": "c1", "role": "bot", "response": "late answer"}))
	assert.Empty(t, f.registry.Active())
	assert.Empty(t, f.registry.Conversations())
	assert.Zero(t, f.timeline.Len())

	h.OnError(errors.New("stream dropped"))
	assert.Zero(t, f.timeline.Len())
	assert.Empty(t, f.registry.Unread())
	assert.False(t, f.session.Loading())
	assert.EqualValues(t, 1, conn.closed.Load())

	// Questions asked after the switch route normally.
	require.NoError(t, f.session.Submit(context.Background(), "Again"))
	_, h, _ = f.backend.last()
	h.OnMessage(frame(t, map[string]any{"conversation_id": "c2", "role": "bot", "response": "fresh"}))
	assert.Equal(t, "c2", f.registry.Active())
	assert.Equal(t, []string{"user:Again", "bot:fresh"}, texts(f.timeline.Messages()))
}

func TestTitleConsideredAfterThreshold(t *testing.T) {
	f := newFixture(t)
	f.registry.AddNew("c1")
	f.registry.Select("c1")
	f.timeline.Load([]model.Message{
		{Role: model.RoleUser, Text: "1"}, {Role: model.RoleBot, Text: "2"},
		{Role: model.RoleUser, Text: "3"}, {Role: model.RoleBot, Text: "4"},
	})

	require.NoError(t, f.session.Submit(context.Background(), "5"))
	_, h, _ := f.backend.last()
	h.OnMessage(frame(t, map[string]any{"conversation_id": "c1", "response": "6"}))
	f.registry.Wait()

	c, _ := f.registry.Get("c1")
	assert.Equal(t, "Titled", c.TitleText())
}

func TestCloseTearsDownStreams(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Submit(context.Background(), "q"))
	_, _, conn := f.backend.last()

	f.session.Close()

	assert.Equal(t, sse.Closed, conn.ReadyState())
	assert.False(t, f.session.Loading())
	assert.ErrorIs(t, f.session.Submit(context.Background(), "q"), ErrClosed)
}

func TestSubmitWithoutAssistant(t *testing.T) {
	f := newFixture(t)
	f.session.deps.Assistants = staticAssistant("")

	assert.ErrorIs(t, f.session.Submit(context.Background(), "q"), ErrNoAssistant)
	assert.False(t, f.session.Loading())
}

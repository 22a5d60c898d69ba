// Package sse implements a server-sent events client with EventSource semantics:
// a ready state that callers poll, message and error callbacks, and a heartbeat
// timeout that fails the connection when the server goes silent.
package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ReadyState mirrors the EventSource readyState values.
type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("ReadyState(%d)", int32(s))
	}
}

const maxScanTokenSize = 1024 * 1024 // 1MB

// ErrHeartbeatTimeout is reported when no bytes arrive within the heartbeat timeout.
var ErrHeartbeatTimeout = errors.New("sse: heartbeat timeout")

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Type string
	Data string
}

// Handlers receive events from a connection. Callbacks run on the connection's
// reader goroutine, one at a time and in arrival order.
type Handlers struct {
	OnMessage func(Event)
	OnError   func(error)
}

// Options configure a connection.
type Options struct {
	Client           *http.Client
	Header           http.Header
	HeartbeatTimeout time.Duration
}

// Conn is the part of a connection its owner polls and closes.
type Conn interface {
	ReadyState() ReadyState
	Close()
}

// EventSource is a single server-sent events connection.
type EventSource struct {
	url      string
	opts     Options
	handlers Handlers

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Connect opens a connection to url and starts reading it in the background.
// Connect does not block on the server.
func Connect(ctx context.Context, url string, opts Options, handlers Handlers) *EventSource {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(ctx)
	es := &EventSource{
		url:      url,
		opts:     opts,
		handlers: handlers,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	es.state.Store(int32(Connecting))

	go es.run(ctx)

	return es
}

// URL returns the address the connection was opened with.
func (es *EventSource) URL() string {
	return es.url
}

// ReadyState returns the current connection state.
func (es *EventSource) ReadyState() ReadyState {
	return ReadyState(es.state.Load())
}

// Close closes the connection. It is safe to call more than once.
func (es *EventSource) Close() {
	es.once.Do(func() {
		es.state.Store(int32(Closed))
		es.cancel()
	})
}

// Done is closed once the reader goroutine has exited.
func (es *EventSource) Done() <-chan struct{} {
	return es.done
}

func (es *EventSource) run(ctx context.Context) {
	defer close(es.done)
	defer es.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, es.url, nil)
	if err != nil {
		es.fail(fmt.Errorf("failed to build request: %w", err))
		return
	}
	for k, vs := range es.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := es.opts.Client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			es.fail(fmt.Errorf("request failed: %w", err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		es.fail(fmt.Errorf("stream failed with HTTP status: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		return
	}

	if !es.state.CompareAndSwap(int32(Connecting), int32(Open)) {
		return
	}

	body := io.Reader(resp.Body)
	if es.opts.HeartbeatTimeout > 0 {
		hb := newHeartbeatReader(resp.Body, es.opts.HeartbeatTimeout, es.cancel)
		defer hb.stop()
		body = hb
		defer func() {
			if hb.expired() {
				es.fail(ErrHeartbeatTimeout)
			}
		}()
	}

	if err := es.read(body); err != nil && ctx.Err() == nil {
		es.fail(fmt.Errorf("stream read failed: %w", err))
	}
}

// read parses the event stream until EOF.
func (es *EventSource) read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxScanTokenSize)

	var (
		data      strings.Builder
		hasData   bool
		eventType string
		lastID    string
	)

	dispatch := func() {
		if hasData && es.ReadyState() != Closed && es.handlers.OnMessage != nil {
			es.handlers.OnMessage(Event{ID: lastID, Type: eventTypeOrDefault(eventType), Data: data.String()})
		}
		data.Reset()
		hasData = false
		eventType = ""
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			eventType = value
		case "id":
			lastID = value
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	// A trailing event without its blank line is still delivered.
	dispatch()
	return nil
}

func (es *EventSource) fail(err error) {
	if es.ReadyState() == Closed {
		return
	}
	es.Close()
	if es.handlers.OnError != nil {
		es.handlers.OnError(err)
	}
}

func eventTypeOrDefault(t string) string {
	if t == "" {
		return "message"
	}
	return t
}

// heartbeatReader cancels the connection when Read sees no bytes for timeout.
type heartbeatReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newHeartbeatReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *heartbeatReader {
	hb := &heartbeatReader{r: r, timeout: timeout}
	hb.timer = time.AfterFunc(timeout, func() {
		hb.fired.Store(true)
		cancel()
	})
	return hb
}

func (h *heartbeatReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 && !h.fired.Load() {
		h.timer.Reset(h.timeout)
	}
	return n, err
}

func (h *heartbeatReader) expired() bool {
	return h.fired.Load()
}

func (h *heartbeatReader) stop() {
	h.timer.Stop()
}

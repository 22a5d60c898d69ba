// Package backend provides the HTTP client for the copilot backend endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capitalize-ai/copilot-chat/internal/model"
	"github.com/capitalize-ai/copilot-chat/internal/sse"
	"github.com/capitalize-ai/copilot-chat/pkg/metrics"
	"github.com/capitalize-ai/copilot-chat/pkg/tracing"
)

// Endpoint paths, relative to the backend base URL.
const (
	endpointLabels               = "labels"
	endpointAssistants           = "assistants"
	endpointConversations        = "conversations"
	endpointConversationMessages = "conversationMessages"
	endpointGenerateTitle        = "generateTitleConversation"
	endpointCacheQuestion        = "cacheQuestion"
	endpointUploadFile           = "file"
	endpointAskQuestion          = "aquestion"
)

// API is the set of backend calls used by the widget.
type API interface {
	Labels(ctx context.Context) (model.Labels, error)
	Assistants(ctx context.Context) ([]model.Assistant, error)
	Conversations(ctx context.Context, appID string) ([]model.Conversation, error)
	ConversationMessages(ctx context.Context, conversationID string) ([]model.HistoryMessage, error)
	GenerateTitle(ctx context.Context, conversationID string) (string, error)
	CacheQuestion(ctx context.Context, question string) error
	UploadFile(ctx context.Context, name string, content io.Reader) ([]string, error)
}

// Streamer opens question streams.
type Streamer interface {
	OpenStream(ctx context.Context, query string, handlers sse.Handlers) (sse.Conn, error)
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed with HTTP status: %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s failed with HTTP status: %d, body: %s", e.Operation, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Options configure a Client.
type Options struct {
	HTTPClient       *http.Client
	StreamClient     *http.Client
	BasicAuthUser    string
	BasicAuthPass    string
	HeartbeatTimeout time.Duration
}

// Client talks to the copilot backend.
type Client struct {
	base         *url.URL
	http         *http.Client
	streamClient *http.Client
	header       http.Header
	heartbeat    time.Duration
	tracer       trace.Tracer
}

// NewClient creates a client for the backend rooted at baseURL.
func NewClient(baseURL string, opts Options) (*Client, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	streamClient := opts.StreamClient
	if streamClient == nil {
		// Streams are long lived, only the heartbeat bounds them.
		streamClient = &http.Client{}
	}

	header := http.Header{}
	if opts.BasicAuthUser != "" {
		token := base64.StdEncoding.EncodeToString([]byte(opts.BasicAuthUser + ":" + opts.BasicAuthPass))
		header.Set("Authorization", "Basic "+token)
	}

	return &Client{
		base:         base,
		http:         httpClient,
		streamClient: streamClient,
		header:       header,
		heartbeat:    opts.HeartbeatTimeout,
		tracer:       tracing.Tracer("copilot-chat/backend"),
	}, nil
}

// normalizeBaseURL requires an absolute URL and ensures a trailing slash so
// endpoint paths resolve beneath it.
func normalizeBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// BaseURL returns the normalized backend base.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// endpoint resolves path (which may carry an encoded query) against the base.
func (c *Client) endpoint(path, rawQuery string) string {
	u := c.base.ResolveReference(&url.URL{Path: path})
	u.RawQuery = rawQuery
	return u.String()
}

// StreamURL returns the address of a question stream for an encoded query.
func (c *Client) StreamURL(query string) string {
	return c.endpoint(endpointAskQuestion, query)
}

// Labels fetches the label map.
func (c *Client) Labels(ctx context.Context) (model.Labels, error) {
	var labels model.Labels
	if err := c.getJSON(ctx, "labels", c.endpoint(endpointLabels, ""), &labels); err != nil {
		return nil, err
	}
	if labels == nil {
		labels = model.Labels{}
	}
	return labels, nil
}

// Assistants fetches the selectable assistants.
func (c *Client) Assistants(ctx context.Context) ([]model.Assistant, error) {
	var assistants []model.Assistant
	if err := c.getJSON(ctx, "assistants", c.endpoint(endpointAssistants, ""), &assistants); err != nil {
		return nil, err
	}
	return assistants, nil
}

// Conversations fetches the conversations of an assistant.
func (c *Client) Conversations(ctx context.Context, appID string) ([]model.Conversation, error) {
	q := url.Values{"app_id": {appID}}
	var conversations []model.Conversation
	if err := c.getJSON(ctx, "conversations", c.endpoint(endpointConversations, q.Encode()), &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// ConversationMessages fetches the persisted history of a conversation.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]model.HistoryMessage, error) {
	q := url.Values{"conversation_id": {conversationID}}
	var messages []model.HistoryMessage
	if err := c.getJSON(ctx, "conversation_messages", c.endpoint(endpointConversationMessages, q.Encode()), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// GenerateTitle asks the backend to title a conversation.
func (c *Client) GenerateTitle(ctx context.Context, conversationID string) (string, error) {
	var resp model.GenerateTitleResponse
	err := c.postJSON(ctx, "generate_title", c.endpoint(endpointGenerateTitle, ""),
		model.GenerateTitleRequest{ConversationID: conversationID}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Title, nil
}

// CacheQuestion stores an oversized question so the stream request can omit it.
func (c *Client) CacheQuestion(ctx context.Context, question string) error {
	return c.postJSON(ctx, "cache_question", c.endpoint(endpointCacheQuestion, ""),
		model.CacheQuestionRequest{Question: question}, nil)
}

// UploadFile uploads a file and returns the ids the backend assigned to it.
func (c *Client) UploadFile(ctx context.Context, name string, content io.Reader) ([]string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "backend.upload_file", trace.WithAttributes(attribute.String("file.name", name)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(endpointUploadFile, ""), &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var uploaded map[string]string
	if err := c.do(req, "upload_file", span, &uploaded); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(uploaded))
	for k := range uploaded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, uploaded[k])
	}
	return ids, nil
}

// OpenStream opens the question stream for an encoded query.
func (c *Client) OpenStream(ctx context.Context, query string, handlers sse.Handlers) (sse.Conn, error) {
	return sse.Connect(ctx, c.StreamURL(query), sse.Options{
		Client:           c.streamClient,
		Header:           c.header.Clone(),
		HeartbeatTimeout: c.heartbeat,
	}, handlers), nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	ctx, span := c.tracer.Start(ctx, "backend."+op)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, op, span, out)
}

func (c *Client) postJSON(ctx context.Context, op, endpoint string, in, out any) error {
	ctx, span := c.tracer.Start(ctx, "backend."+op)
	defer span.End()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, span, out)
}

// do sends req and decodes a JSON response into out (skipped when out is nil).
func (c *Client) do(req *http.Request, op string, span trace.Span, out any) error {
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordBackendRequest(op, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	metrics.RecordBackendRequest(op, fmt.Sprintf("%d", resp.StatusCode), time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

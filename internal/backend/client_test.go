package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/copilot-chat/internal/sse"
)

func newTestClient(t *testing.T, h http.Handler, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/etendo/copilot", opts)
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("../../copilot/", Options{})
	assert.Error(t, err)
}

func TestClientFetches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/etendo/copilot/labels", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ETCOP_Processing":"Thinking..."}`)
	})
	mux.HandleFunc("/etendo/copilot/assistants", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"app_id":"a1","name":"Alpha"},{"app_id":"a2","name":"Beta"}]`)
	})
	mux.HandleFunc("/etendo/copilot/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a1", r.URL.Query().Get("app_id"))
		fmt.Fprint(w, `[{"id":"c1","title":null},{"id":"c2","title":"Invoices"}]`)
	})
	mux.HandleFunc("/etendo/copilot/conversationMessages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
		fmt.Fprint(w, `[{"content":"hi","role":"USER"},{"content":"hello","role":"assistant","timestamp":"10:00"}]`)
	})

	c := newTestClient(t, mux, Options{})
	ctx := t.Context()

	labels, err := c.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Thinking...", labels["ETCOP_Processing"])

	assistants, err := c.Assistants(ctx)
	require.NoError(t, err)
	require.Len(t, assistants, 2)
	assert.Equal(t, "Beta", assistants[1].Name)

	conversations, err := c.Conversations(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Nil(t, conversations[0].Title)
	assert.Equal(t, "Invoices", conversations[1].TitleText())

	history, err := c.ConversationMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "USER", history[0].Role)
	assert.Equal(t, "10:00", history[1].Timestamp)
}

func TestClientSendsBasicAuth(t *testing.T) {
	var got string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		fmt.Fprint(w, `[]`)
	}), Options{BasicAuthUser: "admin", BasicAuthPass: "admin"})

	_, err := c.Assistants(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Basic YWRtaW46YWRtaW4=", got)
}

func TestClientStatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}), Options{})

	_, err := c.Labels(t.Context())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusForbidden))
	assert.Contains(t, err.Error(), "nope")
}

func TestGenerateTitle(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/etendo/copilot/generateTitleConversation", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c9", body["conversation_id"])
		fmt.Fprint(w, `{"title":"Sales report"}`)
	}), Options{})

	title, err := c.GenerateTitle(t.Context(), "c9")
	require.NoError(t, err)
	assert.Equal(t, "Sales report", title)
}

func TestGenerateTitleDecodeError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>`)
	}), Options{})

	_, err := c.GenerateTitle(t.Context(), "c9")
	assert.Error(t, err)
}

func TestCacheQuestion(t *testing.T) {
	var got string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/etendo/copilot/cacheQuestion", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = body["question"]
	}), Options{})

	require.NoError(t, c.CacheQuestion(t.Context(), "a long question"))
	assert.Equal(t, "a long question", got)
}

func TestUploadFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/etendo/copilot/file", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "report.csv", hdr.Filename)
		assert.Equal(t, "a,b\n", string(data))
		fmt.Fprint(w, `{"report.csv":"F2","aux":"F1"}`)
	}), Options{})

	ids, err := c.UploadFile(t.Context(), "report.csv", strings.NewReader("a,b\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"F1", "F2"}, ids)
}

func TestStreamURL(t *testing.T) {
	c, err := NewClient("http://localhost:8080/etendo/copilot/", Options{})
	require.NoError(t, err)
	assert.Equal(t,
		"http://localhost:8080/etendo/copilot/aquestion?question=hi&app_id=a1",
		c.StreamURL("question=hi&app_id=a1"))
}

func TestOpenStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/etendo/copilot/aquestion", r.URL.Path)
		assert.Equal(t, "a1", r.URL.Query().Get("app_id"))
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"answer\":{\"response\":\"hi\"}}\n\n")
	}), Options{BasicAuthUser: "admin", BasicAuthPass: "admin", HeartbeatTimeout: time.Minute})

	var (
		mu   sync.Mutex
		data []string
	)
	conn, err := c.OpenStream(t.Context(), "question=hi&app_id=a1", sse.Handlers{
		OnMessage: func(e sse.Event) {
			mu.Lock()
			defer mu.Unlock()
			data = append(data, e.Data)
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return conn.ReadyState() == sse.Closed }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"answer":{"response":"hi"}}`}, data)
}

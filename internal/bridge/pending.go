package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/capitalize-ai/copilot-chat/internal/model"
)

// Pending holds what the next question carries: host context, its display
// title and uploaded files. A submitted question consumes all of it.
type Pending struct {
	mu      sync.Mutex
	payload json.RawMessage
	title   string
	files   []model.FileRef
	fileIDs []string
	version atomic.Uint64
}

// Snapshot is a copy of the pending state.
type Snapshot struct {
	Payload json.RawMessage
	Title   string
	Files   []model.FileRef
	FileIDs []string
}

// NewPending creates an empty store.
func NewPending() *Pending {
	return &Pending{}
}

// HandleContext is the COPILOT_CONTEXT handler. The payload is stored as sent;
// its contextTitle member, when a string, becomes the display title.
func (p *Pending) HandleContext(_ context.Context, env Envelope) error {
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		p.mu.Lock()
		p.payload, p.title = nil, ""
		p.version.Add(1)
		p.mu.Unlock()
		return nil
	}

	var meta struct {
		ContextTitle any `json:"contextTitle"`
	}
	title := ""
	if err := json.Unmarshal(data, &meta); err == nil {
		if s, ok := meta.ContextTitle.(string); ok {
			title = s
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.payload = append(json.RawMessage(nil), data...)
	p.title = title
	p.version.Add(1)
	return nil
}

// SetTitle sets the display title without a payload.
func (p *Pending) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	p.version.Add(1)
}

// SetFiles records uploaded files and the ids the backend assigned to them.
func (p *Pending) SetFiles(files []model.FileRef, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append([]model.FileRef(nil), files...)
	p.fileIDs = append([]string(nil), ids...)
	p.version.Add(1)
}

// ContextTitle returns the display title.
func (p *Pending) ContextTitle() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// Files returns the pending file names.
func (p *Pending) Files() []model.FileRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.files) == 0 {
		return nil
	}
	return append([]model.FileRef(nil), p.files...)
}

// Snapshot returns a copy of the pending state.
func (p *Pending) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Payload: append(json.RawMessage(nil), p.payload...),
		Title:   p.title,
		Files:   append([]model.FileRef(nil), p.files...),
		FileIDs: append([]string(nil), p.fileIDs...),
	}
}

// Take returns the pending state and clears it in one step, so a context
// arriving concurrently is either carried by this question or kept for the next.
func (p *Pending) Take() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Payload: p.payload,
		Title:   p.title,
		Files:   p.files,
		FileIDs: p.fileIDs,
	}
	p.payload = nil
	p.title = ""
	p.files = nil
	p.fileIDs = nil
	p.version.Add(1)
	return snap
}

// Consume clears everything.
func (p *Pending) Consume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payload = nil
	p.title = ""
	p.files = nil
	p.fileIDs = nil
	p.version.Add(1)
}

// Version increases on every change.
func (p *Pending) Version() uint64 {
	return p.version.Load()
}

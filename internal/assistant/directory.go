// Package assistant holds the list of selectable assistants and the current choice.
package assistant

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/internal/model"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

// ErrUnknownAssistant is returned when selecting an app id that is not listed.
var ErrUnknownAssistant = errors.New("unknown assistant")

// Fetcher loads assistants from the backend.
type Fetcher interface {
	Assistants(ctx context.Context) ([]model.Assistant, error)
}

// ChangeFunc is called after the selected assistant changes.
type ChangeFunc func(prev, next *model.Assistant)

// Directory is the assistant list and selection.
type Directory struct {
	fetcher Fetcher
	log     *logger.Logger

	mu         sync.RWMutex
	assistants []model.Assistant
	current    *model.Assistant
	hooks      []ChangeFunc
}

// NewDirectory creates an empty directory.
func NewDirectory(fetcher Fetcher, log *logger.Logger) *Directory {
	return &Directory{
		fetcher: fetcher,
		log:     logger.OrGlobal(log).Named("assistant"),
	}
}

// Load fetches the assistant list. A fetch failure leaves the list empty.
// When nothing is selected yet the first assistant becomes current.
func (d *Directory) Load(ctx context.Context) []model.Assistant {
	assistants, err := d.fetcher.Assistants(ctx)
	if err != nil {
		d.log.Error("failed to load assistants", zap.Error(err))
		assistants = nil
	}

	d.mu.Lock()
	d.assistants = append([]model.Assistant(nil), assistants...)
	prev := d.current
	if prev != nil && !d.containsLocked(prev.AppID) {
		d.current = nil
	}
	if d.current == nil && len(d.assistants) > 0 {
		first := d.assistants[0]
		d.current = &first
	}
	next := d.current
	hooks := d.hooks
	d.mu.Unlock()

	d.log.Info("assistants loaded", zap.Int("count", len(assistants)))

	if !sameAssistant(prev, next) {
		runHooks(hooks, prev, next)
	}
	return d.List()
}

// List returns a copy of the loaded assistants.
func (d *Directory) List() []model.Assistant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]model.Assistant(nil), d.assistants...)
}

// Available reports whether any assistant can be used.
func (d *Directory) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.assistants) > 0
}

// Current returns the selected assistant, or nil.
func (d *Directory) Current() *model.Assistant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.current == nil {
		return nil
	}
	a := *d.current
	return &a
}

// CurrentID returns the app id of the selected assistant, or "".
func (d *Directory) CurrentID() string {
	if a := d.Current(); a != nil {
		return a.AppID
	}
	return ""
}

// Find returns the assistant with appID.
func (d *Directory) Find(appID string) (model.Assistant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.assistants {
		if a.AppID == appID {
			return a, true
		}
	}
	return model.Assistant{}, false
}

// Select makes appID current. Change hooks run only when the selection
// actually changes.
func (d *Directory) Select(appID string) error {
	d.mu.Lock()
	var found *model.Assistant
	for _, a := range d.assistants {
		if a.AppID == appID {
			a := a
			found = &a
			break
		}
	}
	if found == nil {
		d.mu.Unlock()
		return ErrUnknownAssistant
	}
	prev := d.current
	d.current = found
	hooks := d.hooks
	d.mu.Unlock()

	if sameAssistant(prev, found) {
		return nil
	}
	d.log.Info("assistant selected", zap.String("app_id", appID))
	runHooks(hooks, prev, found)
	return nil
}

// OnChange registers a hook run after every selection change.
func (d *Directory) OnChange(fn ChangeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

func (d *Directory) containsLocked(appID string) bool {
	for _, a := range d.assistants {
		if a.AppID == appID {
			return true
		}
	}
	return false
}

func sameAssistant(a, b *model.Assistant) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AppID == b.AppID
}

func runHooks(hooks []ChangeFunc, prev, next *model.Assistant) {
	for _, fn := range hooks {
		fn(prev, next)
	}
}

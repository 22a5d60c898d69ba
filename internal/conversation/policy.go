package conversation

import (
	"strings"

	"github.com/capitalize-ai/copilot-chat/internal/model"
)

// TitlePolicy decides whether a conversation still needs a generated title.
type TitlePolicy struct {
	placeholders map[string]struct{}
}

// NewTitlePolicy creates a policy treating the given titles as placeholders.
func NewTitlePolicy(placeholders ...string) TitlePolicy {
	return TitlePolicy{}.With(placeholders...)
}

// With returns a copy of p that also treats titles as placeholders.
func (p TitlePolicy) With(titles ...string) TitlePolicy {
	set := make(map[string]struct{}, len(p.placeholders)+len(titles))
	for t := range p.placeholders {
		set[t] = struct{}{}
	}
	for _, t := range titles {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return TitlePolicy{placeholders: set}
}

// IsPlaceholder reports whether title counts as no title.
func (p TitlePolicy) IsPlaceholder(title string) bool {
	title = strings.TrimSpace(title)
	if title == "" {
		return true
	}
	_, ok := p.placeholders[title]
	return ok
}

// NeedsTitle reports whether c has no title or a placeholder one.
func (p TitlePolicy) NeedsTitle(c model.Conversation) bool {
	return c.Title == nil || p.IsPlaceholder(*c.Title)
}

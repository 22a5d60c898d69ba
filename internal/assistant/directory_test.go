package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/copilot-chat/internal/model"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

type fakeFetcher struct {
	assistants []model.Assistant
	err        error
}

func (f *fakeFetcher) Assistants(context.Context) ([]model.Assistant, error) {
	return f.assistants, f.err
}

func TestLoadSelectsFirst(t *testing.T) {
	d := NewDirectory(&fakeFetcher{assistants: []model.Assistant{
		{AppID: "a1", Name: "Alpha"},
		{AppID: "a2", Name: "Beta"},
	}}, logger.NewNop())

	var changes [][2]string
	d.OnChange(func(prev, next *model.Assistant) {
		p := ""
		if prev != nil {
			p = prev.AppID
		}
		changes = append(changes, [2]string{p, next.AppID})
	})

	list := d.Load(context.Background())

	assert.Len(t, list, 2)
	assert.True(t, d.Available())
	assert.Equal(t, "a1", d.CurrentID())
	assert.Equal(t, [][2]string{{"", "a1"}}, changes)
}

func TestLoadFailureIsUnavailable(t *testing.T) {
	d := NewDirectory(&fakeFetcher{err: errors.New("down")}, logger.NewNop())

	list := d.Load(context.Background())

	assert.Empty(t, list)
	assert.False(t, d.Available())
	assert.Nil(t, d.Current())
}

func TestSelect(t *testing.T) {
	d := NewDirectory(&fakeFetcher{assistants: []model.Assistant{
		{AppID: "a1", Name: "Alpha"},
		{AppID: "a2", Name: "Beta"},
	}}, logger.NewNop())
	d.Load(context.Background())

	calls := 0
	d.OnChange(func(prev, next *model.Assistant) { calls++ })

	tests := []struct {
		name      string
		appID     string
		wantErr   error
		wantID    string
		wantCalls int
	}{
		{name: "switch", appID: "a2", wantID: "a2", wantCalls: 1},
		{name: "same again", appID: "a2", wantID: "a2", wantCalls: 1},
		{name: "unknown", appID: "zz", wantErr: ErrUnknownAssistant, wantID: "a2", wantCalls: 1},
		{name: "back", appID: "a1", wantID: "a1", wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Select(tt.appID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantID, d.CurrentID())
			assert.Equal(t, tt.wantCalls, calls)
		})
	}

	a, ok := d.Find("a2")
	assert.True(t, ok)
	assert.Equal(t, "Beta", a.Name)
}

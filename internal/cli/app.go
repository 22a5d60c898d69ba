package cli

import (
	"fmt"

	"github.com/capitalize-ai/copilot-chat/internal/backend"
	"github.com/capitalize-ai/copilot-chat/internal/config"
	"github.com/capitalize-ai/copilot-chat/internal/conversation"
	"github.com/capitalize-ai/copilot-chat/internal/session"
	"github.com/capitalize-ai/copilot-chat/internal/widget"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

// newWidget builds the backend client and a widget from cfg.
func newWidget(cfg *config.Config, log *logger.Logger) (*widget.Widget, error) {
	baseURL, err := cfg.BackendURL()
	if err != nil {
		return nil, err
	}

	opts := backend.Options{HeartbeatTimeout: cfg.StreamHeartbeatTimeout}
	if cfg.DevMode {
		opts.BasicAuthUser = cfg.DevUser
		opts.BasicAuthPass = cfg.DevPassword
	}

	client, err := backend.NewClient(baseURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	return widget.New(client, widgetOptions(cfg), log), nil
}

func widgetOptions(cfg *config.Config) widget.Options {
	return widget.Options{
		Registry: conversation.Options{
			BatchSize:    cfg.TitleBatchSize,
			BatchDelay:   cfg.TitleBatchDelay,
			Placeholders: cfg.PlaceholderTitles,
		},
		Session: session.Options{
			CacheThreshold: cfg.QuestionCacheThreshold,
			CacheAttempts:  cfg.CacheRetryAttempts,
			PollInterval:   cfg.StreamPollInterval,
			TitleThreshold: cfg.TitleMessageThreshold,
		},
	}
}

// Package cli implements the copilot-chat command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/copilot-chat/internal/config"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

const version = "0.1.0"

// NewRootCommand builds the copilot-chat command tree.
func NewRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:     "copilot-chat",
		Short:   "Copilot chat widget",
		Version: version,
		Long: `Hosts the copilot chat widget: converse with a configured assistant from the
terminal, or serve the widget to an embedding page over HTTP and NATS.`,
		Example: `  # Serve the widget for a host page
  $ copilot-chat serve

  # Chat from the terminal with a given assistant
  $ copilot-chat chat --assistant 4E1B7A`,
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	load := func() (*config.Config, *logger.Logger, error) {
		cfg := config.Load()
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		var (
			log *logger.Logger
			err error
		)
		if os.Getenv("ENV") == "development" {
			log, err = logger.NewDevelopment()
		} else {
			log, err = logger.New(cfg.LogLevel)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger.SetGlobal(log)
		return cfg, log, nil
	}

	root.AddCommand(newServeCommand(load))
	root.AddCommand(newChatCommand(load))
	root.SetVersionTemplate(fmt.Sprintf("copilot-chat version %s\n", version))

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

type loader func() (*config.Config, *logger.Logger, error)

package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/copilot-chat/internal/handler"
	natsclient "github.com/capitalize-ai/copilot-chat/internal/nats"
	"github.com/capitalize-ai/copilot-chat/internal/widget"
	"github.com/capitalize-ai/copilot-chat/pkg/tracing"
)

func newServeCommand(load loader) *cobra.Command {
	var params widget.Params

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the widget to an embedding host",
		Long: `Starts the widget and exposes it over HTTP. Host pages push context to
POST /api/v1/bridge/messages or, when NATS_URL is set, publish it on HOST_SUBJECT.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("starting copilot chat server")

			if cfg.TracingEnabled {
				tp, err := tracing.InitTracer(ctx, "copilot-chat", cfg.TracingEndpoint)
				if err != nil {
					log.Warn("failed to initialize tracing", zap.Error(err))
				} else {
					defer tracing.Shutdown(context.Background(), tp)
				}
			}

			w, err := newWidget(cfg, log)
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.Start(ctx, params); err != nil {
				return err
			}

			var nats handler.Connectivity
			if cfg.NATSURL != "" {
				nc, err := natsclient.Connect(natsclient.Config{
					URL:      cfg.NATSURL,
					CAFile:   cfg.NATSCAFile,
					CertFile: cfg.NATSCertFile,
					KeyFile:  cfg.NATSKeyFile,
					Token:    cfg.NATSToken,
					Name:     "copilot-chat-" + w.ID(),
				}, log)
				if err != nil {
					return err
				}
				defer nc.Close()

				unsubscribe, err := w.Bridge().Subscribe(ctx, natsclient.NewHostSource(nc, cfg.HostSubject))
				if err != nil {
					return err
				}
				defer unsubscribe()
				nats = nc
			}

			server := &http.Server{
				Addr: ":" + cfg.ServerPort,
				Handler: handler.NewRouter(handler.RouterConfig{
					Widget:            w,
					Queue:             w.Bridge(),
					NATS:              nats,
					JWTSecret:         cfg.JWTSecret,
					AllowedOrigins:    cfg.AllowedOrigins,
					RateLimitRequests: cfg.RateLimitRequests,
					RateLimitWindow:   cfg.RateLimitWindow,
					Logger:            log,
				}),
				ReadTimeout: cfg.ServerReadTimeout,
				// Event streams stay open, so only reads are bounded.
				IdleTimeout: 120 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := w.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				log.Info("server listening", zap.String("port", cfg.ServerPort))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down server")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Error("server forced to shutdown", zap.Error(err))
				}
				return nil
			})

			err = g.Wait()
			log.Info("server stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&params.AssistantID, "assistant", "", "assistant app id to select on start")
	cmd.Flags().StringVar(&params.ContextTitle, "context-title", "", "initial context title")
	cmd.Flags().StringVar(&params.Question, "question", "", "question to prefill")

	return cmd
}

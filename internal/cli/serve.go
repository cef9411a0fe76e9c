package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/invledger/postings/internal/api"
	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/ingestion"
	"github.com/invledger/postings/internal/repository"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve workbook uploads and read access to stored facts and runs.

Endpoints:
  POST   /api/v1/runs
  GET    /api/v1/runs
  GET    /api/v1/facts
  GET    /api/v1/facts/count
  GET    /healthz`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []config.Option{config.WithUploads}
			if rootOpts.LogLevel != "" {
				opts = append(opts, func(c *config.Config) { c.LogLevel = rootOpts.LogLevel })
			}
			cfg, err := config.Load(opts...)
			if err != nil {
				return WrapExitError("load configuration", err)
			}
			return Serve(ctx, cfg, addr, cfg.Logger())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

// Serve runs the API until ctx is cancelled.
func Serve(ctx context.Context, cfg config.Config, addr string, logger *logrus.Logger) error {
	log := logger.WithField("component", "server")

	store, err := repository.Open(ctx, cfg.Store)
	if err != nil {
		return &ExitError{Code: ExitStoreError, Message: "open store", Err: err}
	}
	defer store.Close()

	source, err := ingestion.NewSource(&cfg, logger)
	if err != nil {
		return WrapExitError("build source", err)
	}
	svc := ingestion.NewService(cfg, source, store, logger)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(&cfg, store, svc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "store": cfg.Store.Driver}).Info("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

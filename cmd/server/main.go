package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invledger/postings/internal/cli"
	"github.com/invledger/postings/internal/config"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cfg, err := config.Load(config.WithUploads)
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Serve(ctx, cfg, ":"+port, logger); err != nil {
		logger.WithError(err).Error("server failed")
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"notebookqa-go/internal/config"
	"notebookqa-go/internal/notebook"
	"notebookqa-go/internal/rpc"
	"notebookqa-go/internal/sources"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ids, err := sources.ReadVideoIDs(cfg.SourcesFile)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := rpc.Start(ctx, rpc.Config{
		Command:       cfg.MCPExe,
		Args:          cfg.MCPArgs,
		ClientName:    cfg.ClientName,
		ClientVersion: version,
		KillGrace:     cfg.KillGrace,
		Logger:        logger,
	})
	if err != nil {
		log.Fatal(err)
	}

	nb := notebook.New(session, cfg.NotebookID, logger)
	result, runErr := sources.NewLoader(nb, cfg.SourceLimit, cfg.SourceInterval, logger).Run(ctx, ids)

	if err := session.Close(); err != nil {
		logger.Warn("stopping notebook worker", slog.Any("error", err))
	}
	fmt.Printf("added %d of %d videos to notebook %s (%d failed)\n",
		result.Added, min(len(ids), cfg.SourceLimit), cfg.NotebookID, result.Failed)
	if runErr != nil {
		logger.Error("loading stopped early", slog.Any("error", runErr))
		os.Exit(1)
	}
}

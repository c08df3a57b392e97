package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"notebookqa-go/internal/asklog"
	"notebookqa-go/internal/config"
	"notebookqa-go/internal/notebook"
	"notebookqa-go/internal/rpc"
	"notebookqa-go/internal/server"
	"notebookqa-go/internal/webroot"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	session, err := rpc.Start(startCtx, rpc.Config{
		Command:       cfg.MCPExe,
		Args:          cfg.MCPArgs,
		ClientName:    cfg.ClientName,
		ClientVersion: version,
		KillGrace:     cfg.KillGrace,
		Logger:        logger,
	})
	cancelStart()
	if err != nil {
		// Keep serving: /ask answers with an explanation and /topics is empty.
		logger.Error("notebook worker failed to start", slog.String("exe", cfg.MCPExe), slog.Any("error", err))
		session = rpc.Unavailable(err)
	}

	nb := notebook.New(session, cfg.NotebookID, logger)
	configureCtx, cancelConfigure := context.WithTimeout(context.Background(), notebook.ConfigureTimeout)
	if err := nb.Configure(configureCtx, notebook.ChatSettings{ResponseLength: cfg.ResponseLength, Goal: cfg.Goal}); err != nil {
		logger.Warn("configuring notebook chat failed", slog.Any("error", err))
	}
	cancelConfigure()

	store, err := asklog.NewStore(filepath.Join(os.TempDir(), fmt.Sprintf("notebookqa-asks-%d", os.Getpid())))
	if err != nil {
		log.Fatal(err)
	}

	var static *webroot.Root
	if cfg.StaticDir != "" {
		if static, err = webroot.New(cfg.StaticDir); err != nil {
			log.Fatal(err)
		}
	}

	srv := server.New(cfg, server.Deps{
		Notebook: nb,
		Session:  session,
		Asks:     store,
		Static:   static,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	allowListNote := ""
	if len(cfg.AllowCIDRs) > 0 {
		allowListNote = fmt.Sprintf(" (allowed CIDRs: %s, plus localhost)", strings.Join(cfg.AllowCIDRs, ", "))
	}
	fmt.Printf("notebookqa-go listening on http://%s:%d%s (notebook: %s, worker: %s)\n",
		cfg.Bind,
		cfg.Port,
		allowListNote,
		cfg.NotebookID,
		session.State(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("received %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.Any("error", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = srv.Shutdown(ctx)
	if err := session.Close(); err != nil {
		logger.Warn("stopping notebook worker", slog.Any("error", err))
	}
	_ = store.Cleanup()
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmarpz/sandcastle/internal/config"
	"github.com/andresmarpz/sandcastle/internal/coordinator"
	"github.com/andresmarpz/sandcastle/internal/runner"
	"github.com/andresmarpz/sandcastle/internal/runner/anthropic"
	"github.com/andresmarpz/sandcastle/internal/runner/claudecli"
	"github.com/andresmarpz/sandcastle/internal/server"
	"github.com/andresmarpz/sandcastle/internal/store"
	_ "github.com/andresmarpz/sandcastle/internal/store/sqlite" // register sqlite backend
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sandcastle daemon",
		Long:  "Load configuration, open the message store, and serve the session API until interrupted.",
		RunE:  runStart,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")

	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger := newLogger(cmd, cmd.ErrOrStderr())

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	agent, err := buildRunner(cfg, logger)
	if err != nil {
		return err
	}

	coord := coordinator.New(coordinator.Config{
		BufferCap:        cfg.Sessions.BufferCap,
		SubscriberBuffer: cfg.Sessions.SubscriberBuffer,
		IdleGrace:        cfg.Sessions.IdleGrace,
		InterruptTimeout: cfg.Sessions.InterruptTimeout,
		JanitorInterval:  cfg.Sessions.JanitorInterval,
		Model:            cfg.Runner.Model,
	}, agent, history, logger)
	defer coord.Close()

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
		AuthToken:   cfg.Server.AuthToken,
	}, server.Deps{
		Coordinator: coord,
		History:     history,
		RunnerName:  agent.Name(),
		Version:     version,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting sandcastle",
		slog.String("listen", cfg.Server.Listen),
		slog.String("runner", agent.Name()),
		slog.String("storage", cfg.Storage.Backend))

	return srv.Start(ctx)
}

// openHistory opens the configured message store, defaulting the
// sqlite path to the data directory.
func openHistory(cfg *config.Config) (store.HistoryStore, error) {
	path := cfg.Storage.Path
	if path == "" && cfg.Storage.Backend == "sqlite" {
		dataDir, err := config.DefaultDataDir()
		if err != nil {
			return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "resolve data directory")
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, scerr.Wrap(err, scerr.CodeStoreDatabaseFailure, "create data directory")
		}
		path = filepath.Join(dataDir, "sandcastle.db")
	}
	return store.Open(store.Config{Backend: cfg.Storage.Backend, Path: path})
}

func buildRunner(cfg *config.Config, logger *slog.Logger) (runner.Runner, error) {
	switch cfg.Runner.Backend {
	case "claude-cli":
		return claudecli.New(claudecli.Config{
			Command: cfg.Runner.ClaudeBin,
			WorkDir: cfg.Runner.WorkDir,
			Model:   cfg.Runner.Model,
		}, logger), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey: cfg.Runner.APIKey,
			Model:  cfg.Runner.Model,
		})
	default:
		return nil, scerr.Errorf(scerr.CodeRunnerUnsupported,
			"unknown runner backend %q", cfg.Runner.Backend)
	}
}

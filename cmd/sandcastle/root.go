// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmarpz/sandcastle/internal/client"
)

// NewRootCmd creates the root sandcastle command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sandcastle",
		Short:         "Sandcastle — session coordinator for long-running agent chats",
		Long:          "Sandcastle runs agent chat sessions in a daemon so turns survive client disconnects, and lets any number of clients attach to the live event stream.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("server", "", "daemon base URL (default http://127.0.0.1:7475)")
	root.PersistentFlags().String("token", "", "bearer token for daemon API calls")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	root.AddCommand(
		newInitCmd(),
		newStartCmd(),
		newStatusCmd(),
		newVersionCmd(),
		newConfigCmd(),
		newSessionCmd(),
		newChatCmd(),
	)

	return root
}

// apiClient builds the daemon client from the shared flags.
func apiClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	return client.New(base, opts...)
}

// newLogger builds the process logger. Verbose switches on debug
// records; otherwise info and above.
func newLogger(cmd *cobra.Command, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

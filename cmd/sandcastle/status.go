// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Check the running daemon's status endpoint and display runner and session information.",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	c := apiClient(cmd)
	status, err := c.Status(cmd.Context())
	if err != nil {
		if scerr.HasCode(err, scerr.CodeClientNotRunning) {
			_, _ = fmt.Fprintln(out, "Daemon is not running (connection refused)")
			return nil
		}
		return err
	}

	_, _ = fmt.Fprintf(out, "Daemon:   %s (%s)\n", status.Status, status.Version)
	_, _ = fmt.Fprintf(out, "Runner:   %s\n", status.Runner)
	_, err = fmt.Fprintf(out, "Sessions: %d\n", status.Sessions)
	return err
}

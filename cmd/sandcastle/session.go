// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
	}
	cmd.AddCommand(
		newSessionListCmd(),
		newSessionDeleteCmd(),
		newSessionInterruptCmd(),
		newSessionHistoryCmd(),
	)
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := apiClient(cmd)
			sessions, err := c.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				_, err := fmt.Fprintln(out, "No active sessions.")
				return err
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tQUEUE\tSUBS\tTURNS\tLAST ACTIVE")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
					s.SessionID, s.Status, len(s.Queue), s.Subscribers,
					s.Usage.Turns, s.LastActiveAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func newSessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its stored messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd)
			if err := c.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return err
		},
	}
}

func newSessionInterruptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt <session-id>",
		Short: "Stop a session's active turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd)
			if err := c.Interrupt(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Interrupted session %s\n", args[0])
			return err
		},
	}
}

func newSessionHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a session's stored transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			c := apiClient(cmd)
			page, err := c.History(cmd.Context(), args[0], "", limit)
			if err != nil {
				if scerr.IsNotFound(err) {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "No history for that session.")
					return err
				}
				return err
			}
			out := cmd.OutOrStdout()
			for _, msg := range page.Messages {
				fmt.Fprintf(out, "[%s] %s: %s\n",
					msg.CreatedAt.Local().Format(time.DateTime), msg.Role, msg.Content)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "maximum messages to fetch (0 = server default)")
	return cmd
}

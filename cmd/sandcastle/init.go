// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmarpz/sandcastle/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long:  "Create a commented default config at ~/.config/sandcastle/sandcastle.yaml if none exists.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if path := config.BootstrapConfig(); path != "" {
				_, err := fmt.Fprintf(out, "Wrote default config to %s\n", path)
				return err
			}
			existing, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "Config already exists at %s\n", existing)
			return err
		},
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andresmarpz/sandcastle/internal/config"
	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigPathCmd())
	return cmd
}

// newConfigShowCmd prints the effective configuration after defaults,
// file, and environment overrides are applied.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			// Never print secrets.
			if cfg.Runner.APIKey != "" {
				cfg.Runner.APIKey = "<redacted>"
			}
			if cfg.Server.AuthToken != "" {
				cfg.Server.AuthToken = "<redacted>"
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return scerr.Wrap(err, scerr.CodeConfigParseInvalidFormat, "encode config")
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the default config file location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
}

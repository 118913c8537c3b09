// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Switchboard bridges a chat surface to a generation CLI, one supervised
// subprocess per conversation turn.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/groupsio/switchboard/internal/app"
	"github.com/groupsio/switchboard/internal/config"
	"github.com/groupsio/switchboard/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:          "switchboard",
		Short:        "Session stream orchestrator for chat-driven generation turns",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to switchboard.hjson (default: search upward from cwd)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the gateway and serve turns",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Local development secrets; absence is not an error.
			_ = godotenv.Load()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logging.Init(logging.Config{
				Level:  logging.ParseLevel(cfg.Logging.Level),
				Pretty: cfg.Logging.Format == "console",
			})

			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logging.Info().Str("version", app.Version).Str("project", cfg.Project.Name).Msg("switchboard starting")
			return a.Run(ctx)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(app.Version)
		},
	}

	checkConfig := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print the resolved values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("project:     %s\n", cfg.Project.Name)
			fmt.Printf("server:      %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("gateway:     %s\n", cfg.Gateway.URL)
			fmt.Printf("binary:      %s\n", cfg.Runner.Binary)
			fmt.Printf("store:       %s\n", cfg.Store.Path)
			fmt.Printf("conventions: %s\n", cfg.Conventions.File)
			return nil
		},
	}

	root.AddCommand(serve, version, checkConfig)
	return root
}

func loadConfig(path string) (config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		found, err := loader.FindConfig()
		if err != nil {
			return config.Config{}, err
		}
		path = found
	}
	cfg, err := loader.LoadWithDefaults(path)
	if err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}

// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/models"
)

var Version = "dev"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "keygate",
		Short: "License key issuance and validation service",
		Long: `keygate - a license key issuance and validation service.

Issues per-script license keys, binds them to a Discord identity and a
hardware fingerprint, meters usage against a quota and keeps an append-only
audit log of every validation attempt.`,
	}

	// Initialize logger
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunCreateTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/keygate/ or %APPDATA%\\keygate\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(Version, configDir, dataDir)
		app.Run()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of keygate",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/keygate/config.toml
- Windows: %APPDATA%\keygate\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func RunCreateTokenCommand() *cobra.Command {
	var configDir, dataDir, name string

	command := &cobra.Command{
		Use:   "create-token",
		Short: "Create an API token for the administrative endpoints",
		Long: `Create an API token without starting the server.

The raw token is printed once and only its hash is stored; there is no way
to recover a lost token, create a new one instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}

			db, err := database.New(cfg.GetDatabasePath())
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			if name == "" {
				var err error
				name, err = readLine("Enter token name: ")
				if err != nil {
					return err
				}
			}

			name = strings.TrimSpace(name)
			if name == "" {
				return fmt.Errorf("token name cannot be empty")
			}

			tokens := models.NewAPITokenStore(db.Conn())
			rawToken, token, err := tokens.Create(context.Background(), name)
			if err != nil {
				return fmt.Errorf("failed to create token: %w", err)
			}

			cmd.Printf("Token '%s' created with ID %d.\n", token.Name, token.ID)
			cmd.Printf("Raw token (shown once, store it now):\n\n  %s\n", rawToken)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&name, "name", "",
		"name for the new token")

	return command
}

func readLine(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
	} else {
		fmt.Fprint(os.Stderr, prompt)
	}

	var line string
	if _, err := fmt.Scanln(&line); err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return line, nil
}

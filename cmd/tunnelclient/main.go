// Package main provides the CLI entry point for the tunnel client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/relaymesh/tunnelclient/internal/client"
	"github.com/relaymesh/tunnelclient/internal/config"
	"github.com/relaymesh/tunnelclient/internal/logging"
	"github.com/relaymesh/tunnelclient/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Exit codes: 0 normal termination, 2 configuration or fatal handshake
// error, 1 other fatal errors.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunnelclient",
		Short: "Reverse tunneling client for SOCKS5 and SSH services",
		Long: `tunnelclient establishes outbound control connections to a relay and,
on demand, accepts inbound data streams that it terminates locally as
fully-embedded SOCKS5 proxy or SSH server sessions. No local port is
ever bound for user traffic; everything rides the tunnel.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(wizardCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var logLevel string
	var jsonLog bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and serve the configured services",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runClient(configPath, logLevel, jsonLog))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML configuration file (required)")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level: trace|debug|info|warn|error")
	cmd.Flags().BoolVar(&jsonLog, "json-log", false, "emit structured JSON logs")
	cmd.MarkFlagRequired("config")

	return cmd
}

// runClient loads the configuration and drives the client; its return value
// is the process exit code.
func runClient(configPath, logLevel string, jsonLog bool) int {
	format := "text"
	if jsonLog {
		format = "json"
	}
	log := logging.NewLogger(logLevel, format)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("configuration error", logging.KeyError, err)
		return exitConfig
	}

	c, err := client.New(cfg, log)
	if err != nil {
		log.Error("startup failed", logging.KeyError, err)
		return exitConfig
	}

	log.Info("tunnel client starting",
		logging.KeyEvent, "starting",
		logging.KeyAddress, cfg.Client.RemoteAddr,
		logging.KeyCount, len(cfg.EffectiveServices()))

	if err := c.Run(context.Background()); err != nil {
		if client.IsFatalHandshake(err) {
			log.Error("fatal handshake error", logging.KeyError, err)
			return exitConfig
		}
		if !errors.Is(err, context.Canceled) {
			log.Error("client terminated", logging.KeyError, err)
			return exitFatal
		}
	}
	return exitOK
}

func wizardCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "wizard",
		Short: "Interactively generate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wizard.Run(wizard.Options{OutputPath: output, Version: Version})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "client.toml", "where to write the generated configuration")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tunnelclient %s\n", Version)
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Generate a bcrypt hash for socks.password_hash",
		Long: `Generate a bcrypt password hash for use in configuration files.

If no password is provided as an argument, you will be prompted to enter
it interactively (recommended: the argument form is visible in shell
history).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string

			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}

				fmt.Print("Confirm password: ")
				confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read confirmation: %w", err)
				}

				if string(pwBytes) != string(confirmBytes) {
					return fmt.Errorf("passwords do not match")
				}
				password = string(pwBytes)
			}

			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")

	return cmd
}

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	beadsDir   string

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func defaultRunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".edged"
	}
	return filepath.Join(home, ".edged")
}

var rootCmd = &cobra.Command{
	Use:   "edged",
	Short: "edged - always-on Messages bridge to the orchestrator backend",
	Long: `edged watches the local Messages datastore for inbound messages, forwards
them to the orchestrator backend, and sends the backend's replies back out
through the native chat-send action. It also serves a persistent WebSocket
command channel, falling back to HTTP sync polling when the socket is down.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: <run-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&beadsDir, "run-dir", defaultRunDir(), "directory holding the lock file, state database, and logs")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(configCmd)
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(beadsDir, "config.yaml")
}

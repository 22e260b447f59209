package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/archety/edged/internal/lockfile"
	"github.com/archety/edged/internal/supervisor"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the edge daemon",
	Long: `Start the edge daemon. By default it detaches into the background; pass
--foreground to run attached to the current terminal (for systemd/launchd
supervision).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if running, pid := lockfile.IsHeld(beadsDir); running {
			return fmt.Errorf("edged already running (pid %d)", pid)
		}

		if !foreground {
			return spawnBackground()
		}

		d, err := buildDaemon(beadsDir)
		if err != nil {
			return err
		}
		defer d.close()

		return supervisor.RunUntilSignal(d.sup)
	},
}

func init() {
	startCmd.Flags().BoolVar(&foreground, "foreground", false, "run attached to the current terminal instead of detaching")
}

// spawnBackground re-execs the current binary with --foreground in a
// detached session, mirroring the parent's configured run directory.
func spawnBackground() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	args := []string{"start", "--foreground", "--run-dir", beadsDir}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	// The detached daemon's stdout and stderr (its default log sink) go to
	// <run-dir>/edged.log, the default path `edged logs` reads.
	if err := os.MkdirAll(beadsDir, 0o700); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(beadsDir, "edged.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	c := exec.Command(exe, args...)
	c.Stdout = logFile
	c.Stderr = logFile
	configureDaemonProcess(c)

	if err := c.Start(); err != nil {
		return fmt.Errorf("spawn background daemon: %w", err)
	}
	fmt.Printf("edged started (pid %d)\n", c.Process.Pid)
	return nil
}

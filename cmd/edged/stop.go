package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/archety/edged/internal/lockfile"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running edge daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopRunning()
	},
}

func stopRunning() error {
	running, pid := lockfile.IsHeld(beadsDir)
	if !running {
		fmt.Println("edged is not running")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := sendStopSignal(proc); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if running, _ := lockfile.IsHeld(beadsDir); !running {
			fmt.Println("edged stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("edged did not stop within 15s (pid %d)", pid)
}

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/archety/edged/internal/lockfile"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the edge daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if running, _ := lockfile.IsHeld(beadsDir); running {
			if err := stopRunning(); err != nil {
				return err
			}
			time.Sleep(300 * time.Millisecond)
		}
		return spawnBackground()
	},
}

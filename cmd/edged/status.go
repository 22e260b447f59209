package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archety/edged/internal/lockfile"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the edge daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		running, pid := lockfile.IsHeld(beadsDir)
		info, _ := lockfile.ReadInfo(beadsDir)

		if statusJSON {
			out := map[string]any{
				"running":    running,
				"pid":        pid,
				"agent_id":   info.AgentID,
				"version":    info.Version,
				"started_at": info.StartedAt,
			}
			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		}

		if !running {
			fmt.Println("edged is not running")
			return nil
		}
		fmt.Printf("edged is running (pid %d, agent %s, since %s)\n", pid, info.AgentID, info.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit status as JSON")
}

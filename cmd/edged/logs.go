package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show or follow the edge daemon's log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigForLogs()
		if err != nil {
			return err
		}
		path := cfg.Logging.File
		if path == "" {
			path = filepath.Join(beadsDir, "edged.log")
		}

		if err := printTail(path, logsLines); err != nil {
			return err
		}
		if !logsFollow {
			return nil
		}
		return followFile(cmd.Context(), path)
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow the log file as it grows")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of trailing lines to print before following")
}

func loadConfigForLogs() (*configShim, error) {
	// logs doesn't require EDGE_SECRET to be set, unlike the rest of the
	// daemon, so it reads the logging.file option directly off the YAML
	// file rather than going through config.Load.
	return readLoggingSection(resolvedConfigPath())
}

type configShim struct {
	Logging struct {
		File string
	}
}

func readLoggingSection(path string) (*configShim, error) {
	shim := &configShim{}
	f, err := os.Open(path)
	if err != nil {
		return shim, nil // no config file yet; fall back to default log path
	}
	defer f.Close()
	// Minimal scan for the logging.file value without pulling in the full
	// YAML decode (which would require EDGE_SECRET to already be set): look
	// for a top-level "logging:" key, then an indented "file: ..." line
	// nested under it.
	scanner := bufio.NewScanner(f)
	inLogging := false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimLeft(line, " ")
		indented := len(trimmed) < len(line)
		switch {
		case trimmed == "logging:":
			inLogging = !indented
		case !indented && trimmed != "":
			inLogging = false
		case inLogging:
			var value string
			if n, _ := fmt.Sscanf(trimmed, "file: %q", &value); n == 1 {
				shim.Logging.File = value
			} else if strings.HasPrefix(trimmed, "file:") {
				shim.Logging.File = strings.TrimSpace(strings.TrimPrefix(trimmed, "file:"))
			}
		}
	}
	return shim, nil
}

func printTail(path string, n int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("(no log file yet)")
			return nil
		}
		return err
	}
	lines := splitLines(data)
	start := 0
	if len(lines) > n {
		start = len(lines) - n
	}
	for _, l := range lines[start:] {
		fmt.Println(l)
	}
	return nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func followFile(ctx interface{ Done() <-chan struct{} }, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			time.Sleep(300 * time.Millisecond)
			continue
		}
		fmt.Print(line)
	}
}

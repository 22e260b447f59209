//go:build unix

package main

import (
	"os"
	"syscall"
)

func sendStopSignal(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

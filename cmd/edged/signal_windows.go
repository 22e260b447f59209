//go:build windows

package main

import "os"

func sendStopSignal(p *os.Process) error {
	return p.Kill()
}

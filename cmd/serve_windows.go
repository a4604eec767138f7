//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs leaves the child attached; Windows has no Setsid.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals stop the server gracefully on Ctrl+C.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// tickSignals is empty on Windows; run 'ralph dispatch' or POST /api/v1/dispatcher/tick.
func tickSignals() []os.Signal { return nil }

// stopSignal asks 'ralph serve' to exit. Go maps it to TerminateProcess.
func stopSignal() syscall.Signal { return syscall.SIGTERM }

// killSignal ends the server process.
func killSignal() syscall.Signal { return syscall.SIGKILL }

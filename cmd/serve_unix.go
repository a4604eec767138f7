//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs puts the background server in its own session so closing the
// terminal that ran 'ralph serve start' does not stop it.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals stop the server gracefully. SIGHUP is included because the
// detached server has no terminal to reload from.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// tickSignals make a running server dispatch immediately instead of waiting
// for dispatcher.interval: kill -USR1 $(cat ralph-serve.pid).
func tickSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1}
}

// stopSignal asks 'ralph serve' to drain and exit.
func stopSignal() syscall.Signal { return syscall.SIGTERM }

// killSignal ends a server that ignored stopSignal past shutdownTimeout.
func killSignal() syscall.Signal { return syscall.SIGKILL }

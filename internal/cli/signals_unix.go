//go:build unix

package cli

import (
	"os"
	"syscall"
)

var (
	shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	drainSignals    = []os.Signal{syscall.SIGUSR1}
)

func isDrainSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}

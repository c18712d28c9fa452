//go:build !unix

package cli

import "os"

var (
	shutdownSignals = []os.Signal{os.Interrupt}
	drainSignals    []os.Signal
)

func isDrainSignal(os.Signal) bool { return false }

//go:build !windows

package commands

import (
	"os"
	"syscall"
)

// SIGUSR1 runs every agent now, SIGUSR2 prints the runtime summary
var (
	triggerSignal os.Signal = syscall.SIGUSR1
	summarySignal os.Signal = syscall.SIGUSR2
)

func controlSignals() []os.Signal {
	return []os.Signal{triggerSignal, summarySignal}
}

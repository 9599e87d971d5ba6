//go:build windows

package commands

import "os"

// No user signals on Windows
var (
	triggerSignal os.Signal
	summarySignal os.Signal
)

func controlSignals() []os.Signal {
	return nil
}

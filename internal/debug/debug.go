// Package debug provides env-gated diagnostic logging for the pipeline
// workers. Output goes to stderr and is off unless FC_DEBUG is set or
// verbose mode is enabled.
package debug

import (
	"fmt"
	"os"
	"sync"
)

var (
	enabled     = os.Getenv("FC_DEBUG") != ""
	verboseMode = false
	mu          sync.Mutex
)

// Enabled reports whether debug output is active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output.
func SetVerbose(verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	verboseMode = verbose
}

// Logf writes a debug line to stderr when debug output is active.
func Logf(format string, args ...interface{}) {
	if Enabled() {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// Warnf always writes to stderr. Worker loops use it for transient errors
// that will be retried next tick.
func Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

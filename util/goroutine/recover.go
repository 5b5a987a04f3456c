// Package goroutine provides panic-safety helpers for long-lived worker
// goroutines.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// StackTraceBufferSize bounds the stack capture on panic recovery.
const StackTraceBufferSize = 64 * 1024

// Recover recovers from a panic in a goroutine and logs it with a stack
// trace. Use as a deferred call at the top of every worker goroutine so that
// one panicking task cannot take the whole worker pool down.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, StackTraceBufferSize)
		n := runtime.Stack(buf, false)

		if logger != nil {
			logger.Errorw("Goroutine panic recovered",
				"goroutine", name,
				"panic", r,
				"stack", string(buf[:n]))
		} else {
			fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n",
				name, r, string(buf[:n]))
		}
	}
}

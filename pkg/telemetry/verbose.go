package telemetry

import (
	"encoding/hex"
	"log"
	"sync/atomic"
)

// verbose gates debug-level diagnostics (frame hex dumps, and any other
// detail too noisy for normal operation) behind the CLI's -verbose flag.
var verbose atomic.Bool

// SetVerbose enables or disables debug-level logging process-wide. Call
// once at startup before any connection is accepted.
func SetVerbose(v bool) { verbose.Store(v) }

// Verbose reports whether debug-level logging is currently enabled.
func Verbose() bool { return verbose.Load() }

// DebugFrame logs a short hex dump of a rejected frame when verbose logging
// is enabled. No-op otherwise, so callers can call it unconditionally.
func DebugFrame(component string, frame []byte, cause error) {
	if !verbose.Load() {
		return
	}
	n := len(frame)
	if n > 32 {
		n = 32
	}
	log.Printf("%s: debug: rejected frame (%d bytes): %s... cause=%v", component, len(frame), hex.EncodeToString(frame[:n]), cause)
}

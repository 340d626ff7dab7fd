// Package util carries the ambient kit shared by every package: debug
// state, the logger, and the pooled HTTP client.
package util

// IsDebug toggles verbose logging across the module.
var IsDebug bool

// SetDebugMode sets the global debug state.
func SetDebugMode(enabled bool) {
	IsDebug = enabled
}

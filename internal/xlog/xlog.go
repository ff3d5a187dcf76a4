// Package xlog is a thin indirection over github.com/luxfi/log so the
// components that log (the server node and the client dispatcher) take a
// log.Logger value rather than reaching for a package-level logger.
package xlog

import "github.com/luxfi/log"

// Logger is the structured logger interface every component accepts.
type Logger = log.Logger

// NoOp returns a logger that discards everything, for tests and components
// that were not given an explicit logger.
func NoOp() Logger {
	return log.NewNoOpLogger()
}

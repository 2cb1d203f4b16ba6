package types

import (
	"log"
	"os"
)

// Logger is the minimal logging surface used across the framework.
type Logger interface {
	Printf(format string, v ...interface{})
}

// compile-time safeguard in case `log.Logger` stops satisfying `Logger`.
// see https://golang.org/doc/faq#guarantee_satisfies_interface
var _ Logger = &log.Logger{}

// DefaultLogger returns a `Logger` backed by the standard library.
func DefaultLogger() *log.Logger {
	return log.New(os.Stdout, "", log.LstdFlags)
}

// NewLogger returns custom if non-nil, otherwise the default logger.
func NewLogger(custom Logger) Logger {
	if custom != nil {
		return custom
	}

	return DefaultLogger()
}

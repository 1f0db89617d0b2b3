// Package logging wires the engine's structured-logging ambient concern
// (A1) directly to the teacher's own stack: a logiface.Logger parameterized
// on stumpy's JSON event type, rather than a hand-rolled logging interface.
// Every loop, scheduler, and engine component accepts a *Logger and logs
// through its Debug/Info/Notice/Warning/Err builder methods, exactly as the
// teacher's own packages do when they depend on logiface.
package logging

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type threaded through the engine.
type Logger = logiface.Logger[*stumpy.Event]

// New returns a Logger that writes newline-delimited JSON, configured via
// the given stumpy options (default: os.Stderr, informational level).
func New(opts ...stumpy.Option) *Logger {
	return stumpy.L.New(stumpy.L.WithStumpy(opts...))
}

// Discard returns a Logger with logging disabled. Used as the default when
// no logger is supplied to an Engine/Loop, so construction never requires
// one, matching the teacher's "logging is opt-in infrastructure" stance.
func Discard() *Logger {
	return stumpy.L.New(stumpy.L.WithLevel(logiface.LevelDisabled))
}

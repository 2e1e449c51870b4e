// Package armorylog is the logging backend shared by every subsystem in
// the engine. Each package declares its own package-level `log` variable
// and registers it here with NewSubsystem, following the same
// per-subsystem logging facade lnd builds on top of btclog.
package armorylog

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate"
)

// Disabled is a logger that throws away everything logged to it. It is
// used as the default logger for subsystems until UseLogger overrides it,
// mirroring lnd's backend.Disabled convention.
var Disabled = btclog.Disabled

// subsystemLoggers tracks every registered subsystem by tag so SetLevel
// can adjust one of them and SetLevels can adjust them all at once.
var subsystemLoggers = make(map[string]btclog.Logger)

// backend is the shared rotating-file + stdout backend. It is nil until
// InitBackend is called; until then subsystems log through Disabled.
var backend *btclog.Backend

// InitBackend wires the shared backend to stdout and, if logFile is
// non-empty, to a size-rotated log file via jrick/logrotate. maxRolls
// mirrors the rotation depth the teacher configures for its own log file.
func InitBackend(logFile string, maxRolls int) error {
	var w io.Writer = os.Stdout

	if logFile != "" {
		rotator, err := logrotate.NewRotator(logFile)
		if err != nil {
			return err
		}
		rotator.MaxRolls = maxRolls
		w = io.MultiWriter(os.Stdout, rotator)
	}

	backend = btclog.NewBackend(w)

	for name := range subsystemLoggers {
		subsystemLoggers[name] = backend.Logger(name)
	}

	return nil
}

// NewSubsystem returns (and registers) the package-level logger for a
// named subsystem, e.g. "ZCON", "KVST", "XPRT" — four-letter tags in the
// teacher's convention (see btcd/lnd subsystem tags).
func NewSubsystem(tag string) btclog.Logger {
	if backend == nil {
		subsystemLoggers[tag] = Disabled
		return Disabled
	}
	l := backend.Logger(tag)
	subsystemLoggers[tag] = l
	return l
}

// SetLevel adjusts a single subsystem's level, leaving others untouched.
func SetLevel(tag string, level btclog.Level) {
	if l, ok := subsystemLoggers[tag]; ok {
		l.SetLevel(level)
	}
}

// SetLevels adjusts every registered subsystem to the same level; used for
// a bare "-debuglevel=debug" style config value.
func SetLevels(level btclog.Level) {
	for _, l := range subsystemLoggers {
		l.SetLevel(level)
	}
}

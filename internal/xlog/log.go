// Package xlog is the engine's logging facade. It reproduces the call-site
// idiom aistore uses throughout (nlog.Infoln/Errorln plus a FastV(n, module)
// verbosity gate) on top of zerolog rather than a hand-rolled logger: see
// DESIGN.md for why the backing engine diverges from the teacher while the
// shape of the call sites does not.
package xlog

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()

// SetOutput redirects all subsequent log lines, e.g. to a file or to
// io.Discard in tests.
func SetOutput(w io.Writer) {
	base = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel adjusts the global zerolog level (zerolog.DebugLevel, etc.).
func SetLevel(lvl zerolog.Level) { zerolog.SetGlobalLevel(lvl) }

// verbosity holds a per-module verbosity threshold, mirroring aistore's
// cmn.Rom.FastV(n, module) gate, which this engine reproduces without the
// global config singleton the teacher uses (Design Note, "Global TLS context"
// generalizes to "avoid process-global singletons" more broadly).
type verbosity struct {
	levels map[string]int
}

var v = &verbosity{levels: map[string]int{}}

// SetModuleVerbosity sets the verbosity threshold for module; calls to
// V(n, module) with n above that threshold report false.
func SetModuleVerbosity(module string, level int) { v.levels[module] = level }

// V reports whether logging at level n for module should proceed, mirroring
// cmn.Rom.FastV(n, module).
func V(n int, module string) bool {
	return v.levels[module] >= n
}

// Infoln logs an info-level line.
func Infoln(args ...any) { base.Info().Msg(sprint(args...)) }

// Infof logs a formatted info-level line.
func Infof(format string, args ...any) { base.Info().Msgf(format, args...) }

// Errorln logs an error-level line.
func Errorln(args ...any) { base.Error().Msg(sprint(args...)) }

// Errorf logs a formatted error-level line.
func Errorf(format string, args ...any) { base.Error().Msgf(format, args...) }

// Warningln logs a warning-level line.
func Warningln(args ...any) { base.Warn().Msg(sprint(args...)) }

func sprint(args ...any) string {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		switch t := a.(type) {
		case string:
			out += t
		case error:
			out += t.Error()
		case int:
			out += strconv.Itoa(t)
		default:
			out += toString(t)
		}
	}
	return out
}

func toString(a any) string {
	type stringer interface{ String() string }
	if s, ok := a.(stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", a)
}

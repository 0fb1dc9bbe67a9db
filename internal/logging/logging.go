// Package logging builds the engine's root slog.Logger from the LOG_LEVEL,
// LOG_FILE and LOG_CONSOLE environment variables.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level names accepted by LOG_LEVEL and RUNIX_DRIVER_LOG_LEVEL.
// "trace" and "fatal" map onto slog levels below Debug and above Error.
const (
	LevelTrace = slog.LevelDebug - 4
	LevelFatal = slog.LevelError + 4
)

// Options describes where and how verbosely the engine logs.
type Options struct {
	Level   string // trace|debug|info|warn|error|fatal|silent
	File    string // append target; empty = no file output
	Console bool   // write to stderr
}

// OptionsFromEnv reads LOG_LEVEL, LOG_FILE and LOG_CONSOLE.
// Console output defaults to on unless LOG_CONSOLE is explicitly "false" or "0".
func OptionsFromEnv() Options {
	console := true
	switch strings.ToLower(os.Getenv("LOG_CONSOLE")) {
	case "false", "0", "no":
		console = false
	}
	return Options{
		Level:   os.Getenv("LOG_LEVEL"),
		File:    os.Getenv("LOG_FILE"),
		Console: console,
	}
}

// ParseLevel maps a level name to a slog.Level. The second return is false
// for "silent", which disables output entirely.
func ParseLevel(s string) (slog.Level, bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, true, nil
	case "trace":
		return LevelTrace, true, nil
	case "debug":
		return slog.LevelDebug, true, nil
	case "warn", "warning":
		return slog.LevelWarn, true, nil
	case "error":
		return slog.LevelError, true, nil
	case "fatal":
		return LevelFatal, true, nil
	case "silent":
		return slog.LevelInfo, false, nil
	default:
		return 0, false, fmt.Errorf("unknown log level %q", s)
	}
}

// New constructs a logger from Options. Unknown levels fall back to info so
// a misconfigured child env never silences the engine.
func New(opts Options) (*slog.Logger, error) {
	level, enabled, err := ParseLevel(opts.Level)
	if err != nil {
		level, enabled = slog.LevelInfo, true
	}

	var sinks []io.Writer
	if opts.Console {
		sinks = append(sinks, os.Stderr)
	}
	if opts.File != "" {
		f, ferr := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if ferr != nil {
			return nil, fmt.Errorf("opening log file %s: %w", opts.File, ferr)
		}
		sinks = append(sinks, f)
	}

	if !enabled || len(sinks) == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), err
	}

	handler := slog.NewTextHandler(io.MultiWriter(sinks...), &slog.HandlerOptions{Level: level})
	return slog.New(handler), err
}

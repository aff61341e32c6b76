// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the resolver's process-wide structured logger: a
// singleton *slog.Logger backed by toolhive-core/logging, with leveled
// helper functions so call sites never need to carry a logger value
// through the chain-builder/fetcher/policy call graph.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

var singleton atomic.Value // holds *slog.Logger

// osEnvReader reads from the real process environment.
type osEnvReader struct{}

func (osEnvReader) Getenv(key string) string { return os.Getenv(key) }

// Initialize sets up the singleton logger from the real process
// environment. Safe to call multiple times; the last call wins.
func Initialize() {
	InitializeWithEnv(osEnvReader{})
}

// InitializeWithEnv sets up the singleton logger using r to resolve
// environment configuration, allowing tests to inject a fake reader.
func InitializeWithEnv(r env.Reader) {
	// UNSTRUCTURED_LOGS is read but does not change the logger: either way
	// it writes to stderr at info level.
	_ = unstructuredLogsWithEnv(r)
	singleton.Store(logging.New(
		logging.WithOutput(os.Stderr),
		logging.WithLevel(slog.LevelInfo),
	))
}

// unstructuredLogsWithEnv reports whether human-readable (as opposed to
// JSON) log output was requested via UNSTRUCTURED_LOGS. Unset or
// unparseable values default to true, matching local-development ergonomics
// over strict CI behavior.
func unstructuredLogsWithEnv(r env.Reader) bool {
	v := r.Getenv("UNSTRUCTURED_LOGS")
	if v == "" {
		return true
	}
	b, err := parseBool(v)
	if err != nil {
		return true
	}
	return b
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "1", "TRUE", "True":
		return true, nil
	case "false", "0", "FALSE", "False":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value: %s", s)
	}
}

// Get returns the singleton logger, lazily initializing it with defaults if
// Initialize was never called.
func Get() *slog.Logger {
	l, _ := singleton.Load().(*slog.Logger)
	if l == nil {
		Initialize()
		l, _ = singleton.Load().(*slog.Logger)
	}
	return l
}

// NewLogr adapts the singleton logger to a logr.Logger, for libraries (such
// as controller-style JWKS refreshers) that expect that interface.
func NewLogr() logr.Logger {
	return logr.FromSlogHandler(Get().Handler())
}

// Debug logs at debug level.
func Debug(msg string) { Get().Debug(msg) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { Get().Debug(fmt.Sprintf(format, args...)) }

// Debugw logs a message with key-value pairs at debug level.
func Debugw(msg string, kv ...any) { Get().Debug(msg, kv...) }

// Info logs at info level.
func Info(msg string) { Get().Info(msg) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { Get().Info(fmt.Sprintf(format, args...)) }

// Infow logs a message with key-value pairs at info level.
func Infow(msg string, kv ...any) { Get().Info(msg, kv...) }

// Warn logs at warn level.
func Warn(msg string) { Get().Warn(msg) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { Get().Warn(fmt.Sprintf(format, args...)) }

// Warnw logs a message with key-value pairs at warn level.
func Warnw(msg string, kv ...any) { Get().Warn(msg, kv...) }

// Error logs at error level.
func Error(msg string) { Get().Error(msg) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }

// Errorw logs a message with key-value pairs at error level.
func Errorw(msg string, kv ...any) { Get().Error(msg, kv...) }

// DPanic logs at error level in production; reserved for conditions that
// should panic in development builds but must not take down a resolver
// process serving live traffic.
func DPanic(msg string) { Get().Error(msg) }

// DPanicf logs a formatted message at error level, like DPanic.
func DPanicf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }

// DPanicw logs a message with key-value pairs at error level, like DPanic.
func DPanicw(msg string, kv ...any) { Get().Error(msg, kv...) }

// Panic logs at error level then panics with msg.
func Panic(msg string) {
	Get().Error(msg)
	panic(msg)
}

// Panicf logs a formatted message at error level then panics with it.
func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	Get().Error(msg)
	panic(msg)
}

// Panicw logs a message with key-value pairs at error level then panics
// with msg.
func Panicw(msg string, kv ...any) {
	Get().Error(msg, kv...)
	panic(msg)
}

package log

import "context"

// nopLogger discards everything, used by tests and as the context fallback
type nopLogger struct{}

func (n nopLogger) With(...any) Logger                        { return n }
func (nopLogger) Debug(context.Context, string, ...any)        {}
func (nopLogger) Info(context.Context, string, ...any)         {}
func (nopLogger) Warn(context.Context, string, ...any)         {}
func (nopLogger) Error(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error                                  { return nil }

// Nop returns a Logger that drops all records.
func Nop() Logger { return nopLogger{} }

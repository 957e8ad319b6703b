// Package logger defines the small logging surface the policy engines
// write to, with adapters for oarkflow/log and log/slog.
package logger

// Logger accepts a message plus alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// NullLogger discards everything. It is the engine default so the
// library stays quiet unless a logger is wired in.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (NullLogger) Debug(string, ...any) {}
func (NullLogger) Info(string, ...any)  {}
func (NullLogger) Error(string, ...any) {}

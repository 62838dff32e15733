package subsync

// Field is one key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// ErrorField is the conventional "error" field.
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger is the structured logger the synchronizer, storage adapters and
// HTTP handlers write to. See logger/zerolog for a zerolog-backed one.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no Logger is configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(string, ...Field) {}
func (n *NoopLogger) Info(string, ...Field)  {}
func (n *NoopLogger) Warn(string, ...Field)  {}
func (n *NoopLogger) Error(string, ...Field) {}

package core

// Logger reports to stdout and, outside debug mode, to the error tracker.
// args may carry errors or a map[string]interface{} of extra fields.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

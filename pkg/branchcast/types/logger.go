package types

// Logger is the logging abstraction used across the whole node.
// A default implementation exists on the definition package, but
// the user can provide its own implementation when creating the
// branch configuration.
type Logger interface {
	Info(v ...interface{})

	Infof(format string, v ...interface{})

	Warn(v ...interface{})

	Warnf(format string, v ...interface{})

	Error(v ...interface{})

	Errorf(format string, v ...interface{})

	Debug(v ...interface{})

	Debugf(format string, v ...interface{})

	Fatal(v ...interface{})

	Fatalf(format string, v ...interface{})

	// Toggle the debug level on or off, returning the
	// applied value.
	ToggleDebug(value bool) bool
}

package definition

import (
	"os"

	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
	"github.com/sirupsen/logrus"
)

// The default logger used if the user does not provide its
// own implementation. Every line is tagged with the branch id.
type DefaultLogger struct {
	entry *logrus.Entry
	inner *logrus.Logger
}

func NewDefaultLogger(branch string) *DefaultLogger {
	inner := logrus.New()
	inner.SetOutput(os.Stderr)
	inner.SetLevel(logrus.InfoLevel)
	inner.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return &DefaultLogger{
		entry: inner.WithField("branch", branch),
		inner: inner,
	}
}

func (l *DefaultLogger) Info(v ...interface{}) {
	l.entry.Info(v...)
}

func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (l *DefaultLogger) Warn(v ...interface{}) {
	l.entry.Warn(v...)
}

func (l *DefaultLogger) Warnf(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

func (l *DefaultLogger) Error(v ...interface{}) {
	l.entry.Error(v...)
}

func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

func (l *DefaultLogger) Debug(v ...interface{}) {
	l.entry.Debug(v...)
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

func (l *DefaultLogger) Fatal(v ...interface{}) {
	l.entry.Fatal(v...)
}

func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.inner.SetLevel(logrus.DebugLevel)
	} else {
		l.inner.SetLevel(logrus.InfoLevel)
	}
	return value
}

// Interface guard.
var _ types.Logger = &DefaultLogger{}

package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = newLogger(os.Stderr)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	l.ExitFunc = os.Exit
	return l
}

func Init(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
		return
	}
	std.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects all log output, tests use it to capture lines.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

func DebugEnabled() bool {
	return std.IsLevelEnabled(logrus.DebugLevel)
}

func Debug(format string, v ...interface{}) {
	std.Debugf(format, v...)
}

func Info(format string, v ...interface{}) {
	std.Infof(format, v...)
}

func Warn(format string, v ...interface{}) {
	std.Warnf(format, v...)
}

func Error(format string, v ...interface{}) {
	std.Errorf(format, v...)
}

func Fatal(format string, v ...interface{}) {
	std.Fatalf(format, v...)
}

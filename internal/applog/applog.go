// Package applog centralizes logrus setup so every package gets the same
// field conventions (component on every entry, upid on worker task lines)
// instead of each one
// building its own *logrus.Logger.
package applog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("PBS_LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// For returns a logger scoped to one component, e.g. applog.For("gc").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel overrides the process-wide log level, used by the CLI's
// -log-level flag.
func SetLevel(lvl logrus.Level) {
	base.SetLevel(lvl)
}

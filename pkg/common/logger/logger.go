package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log starts as a plain logrus logger so packages can log before Init runs
// (tests never call it); Init replaces it with the configured JSON logger.
var Log = logrus.New()

func Init() {
	Log = logrus.New()
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// Component returns an entry tagged with the owning subsystem, so audit,
// dispatch and store logs can be separated downstream.
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}

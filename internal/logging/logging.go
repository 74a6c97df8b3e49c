// Package logging configures the shared logrus setup for the three binaries.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to out at the named level (defaulting to info
// when the name is empty or unknown).
func New(out io.Writer, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

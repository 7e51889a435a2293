// Package logging provides the structured logger used across the pool
// manager. It wraps logrus and exposes logrus.FieldLogger directly so call
// sites can attach contextual fields (pool, slot, device, op) without a
// bespoke facade.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger writing structured, leveled output to stderr.
func New(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewFile opens filename for append and returns a logger writing to it, for
// components (parity runs, NonRAID check history) that want a durable
// per-pool trail distinct from the process-wide logger.
func NewFile(filename string) (*logrus.Logger, func() error, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	l := logrus.New()
	l.SetOutput(file)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return l, file.Close, nil
}

// Ctx builds a field logger scoped to a pool, so call sites can attach
// "pool"/"slot"/"op" fields before logging without repeating them.
func Ctx(log logrus.FieldLogger, pool string, extra logrus.Fields) logrus.FieldLogger {
	fields := logrus.Fields{"pool": pool}
	for k, v := range extra {
		fields[k] = v
	}

	return log.WithFields(fields)
}

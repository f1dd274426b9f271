package transport

import (
	"io"

	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

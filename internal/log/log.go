// Package log wires gopkg.in/op/go-logging.v1 the way the daemon wants it:
// one *logging.Logger per subsystem, sharing a single formatted backend.
package log

import (
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is the process-wide logging backend. New should be called once
// at daemon startup before any subsystem logger is created.
type Backend struct {
	leveled logging.LeveledBackend
}

// New builds a Backend writing to w at the given minimum level ("DEBUG",
// "INFO", "WARNING", "ERROR"). An empty level defaults to "NOTICE".
func New(w io.Writer, level string) (*Backend, error) {
	if w == nil {
		w = os.Stderr
	}
	if level == "" {
		level = "NOTICE"
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, err
	}
	fmtr := logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), logging.MustStringFormatter(logFormat))
	leveled := logging.AddModuleLevel(fmtr)
	leveled.SetLevel(lvl, "")
	return &Backend{leveled: leveled}, nil
}

// GetLogger returns a logger for the named subsystem (e.g. "gossip", "matrix").
func (b *Backend) GetLogger(subsystem string) *logging.Logger {
	l := logging.MustGetLogger(subsystem)
	l.SetBackend(b.leveled)
	return l
}

// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package logutil provides the leveled logger used throughout lanline/core.
//
// It follows the shape of the teacher's legacy per-package loggers
// (discover/debug.go, beacon/debug.go): a package-level logger plus a
// debug flag gated on an environment variable, rather than pulling in a
// structured logging framework the teacher itself doesn't use at this
// layer.
package logutil

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

const traceEnvVar = "LANLINE_TRACE"

// Logger is a small leveled wrapper around the standard library logger.
type Logger struct {
	mu     sync.Mutex
	std    *log.Logger
	prefix string
	debug  bool
}

// New returns a Logger for the named subsystem. Debug output is enabled
// when LANLINE_TRACE contains the subsystem name or the literal "all".
func New(subsystem string) *Logger {
	trace := os.Getenv(traceEnvVar)
	debug := trace == "all"
	if !debug {
		for _, part := range strings.Split(trace, ",") {
			if p := strings.TrimSpace(part); p == subsystem || p == "all" {
				debug = true
				break
			}
		}
	}
	return &Logger{
		std:    log.New(os.Stderr, subsystem+": ", log.Lmicroseconds),
		prefix: subsystem,
		debug:  debug,
	}
}

func (l *Logger) Debugln(args ...interface{}) {
	if !l.debug {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Output(2, fmt.Sprintln(args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Output(2, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Output(2, "INFO: "+fmt.Sprintf(format, args...))
}

func (l *Logger) Warnln(args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Output(2, "WARN: "+fmt.Sprintln(args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Output(2, "WARN: "+fmt.Sprintf(format, args...))
}

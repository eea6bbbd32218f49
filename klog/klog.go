// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package klog provides simple level logging for the log engine. It
// exists so that the engine never depends directly on the standard
// library's log package in a way that would prevent a host process
// from redirecting output, e.g. into structured logs.
package klog

import (
	"fmt"
	"log"
)

// An Outputter receives leveled log output.
type Outputter interface {
	Level() Level
	Output(calldepth int, level Level, s string) error
}

var out Outputter = stdOutputter{}

// SetOutputter installs a new outputter and returns the old one.
// It should be called before the log engine begins accepting writes.
func SetOutputter(newOut Outputter) Outputter {
	old := out
	out = newOut
	return old
}

// Level is a log verbosity level; lower values are higher priority.
type Level int

const (
	Off   = Level(-3)
	Error = Level(-2)
	Info  = Level(0)
	Debug = Level(1)
)

func (l Level) String() string {
	switch l {
	case Off:
		return "off"
	case Error:
		return "error"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// At reports whether the current outputter accepts messages at level.
func At(level Level) bool { return level <= out.Level() }

func (l Level) Printf(format string, v ...interface{}) {
	if At(l) {
		_ = out.Output(2, l, fmt.Sprintf(format, v...))
	}
}

func (l Level) Print(v ...interface{}) {
	if At(l) {
		_ = out.Output(2, l, fmt.Sprint(v...))
	}
}

// stdOutputter writes to the standard library logger at Info level and
// above.
type stdOutputter struct{}

func (stdOutputter) Level() Level { return Info }

func (stdOutputter) Output(calldepth int, level Level, s string) error {
	return log.Output(calldepth+1, fmt.Sprintf("[%s] %s", level, s))
}

// Discard is an Outputter that drops everything; tests use it to keep
// output quiet.
type Discard struct{}

func (Discard) Level() Level { return Off }
func (Discard) Output(calldepth int, level Level, s string) error { return nil }

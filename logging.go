// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"github.com/intuitivelabs/slog"
)

// Log is the generic memprof logger.
// NOTE: the allocation and free fast paths never log; logging is
// restricted to init, shutdown and invariant violations (engine bugs).
var Log slog.Log

func init() {
	slog.Init(&Log, slog.LNOTICE, slog.LbackTraceS|slog.LlocInfoS,
		slog.LStdErr)
}

// DBGon returns true if debug messages are enabled.
func DBGon() bool {
	return Log.DBGon()
}

// WARNon returns true if warning messages are enabled.
func WARNon() bool {
	return Log.WARNon()
}

// DBG logs a debug message.
func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, "DBG: memprof: ", f, a...)
}

// WARN logs a warning message.
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, "WARNING: memprof: ", f, a...)
}

// ERR logs an error message.
func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, "ERROR: memprof: ", f, a...)
}

// BUG logs a bug message (engine invariant violation).
func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "BUG: memprof: ", f, a...)
}

/*
 * Copyright (c) 2015, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package errors provides error wrapping helpers that add inline,
// single stack frame context to error messages, so that an error
// surfaced at the Supervisor's "last error" slot carries a breadcrumb
// of which internal call produced it.
package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// Trace wraps err with the caller's function name and line number.
// Returns nil if err is nil.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", funcName(pc), line, err)
}

// TraceMsg wraps err with the caller's function name, line number,
// and an additional message. Returns nil if err is nil.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %s: %w", funcName(pc), line, message, err)
}

// New returns a new error with the caller's function name and line
// number, equivalent to Trace(fmt.Errorf(...)) but without an
// underlying error to wrap.
func New(message string) error {
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %s", funcName(pc), line, message)
}

// funcName extracts a short function name from the full path returned
// by runtime.Func.Name(), dropping the module path prefix.
func funcName(pc uintptr) string {
	name := runtime.FuncForPC(pc).Name()
	if i := strings.LastIndex(name, "/"); i != -1 {
		name = name[i+1:]
	}
	return name
}

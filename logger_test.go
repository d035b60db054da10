// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package sbd

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelDebug, "SBD")

	logger.Write([]byte("DEBUG: This is a debug message"))
	logger.Write([]byte("INFO: This is an info message"))
	logger.Write([]byte("WARNING: This is a warning message"))
	logger.Write([]byte("ERROR: This is an error message"))
	logger.Write([]byte("This is a default info message")) // No prefix

	out := buf.String()
	for _, want := range []string{
		"[DEBUG] <SBD> This is a debug message",
		"[INFO] <SBD> This is an info message",
		"[WARNING] <SBD> This is a warning message",
		"[ERROR] <SBD> This is an error message",
		"[INFO] <SBD> This is a default info message",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	logger.SetLevel(LevelWarning)
	logger.Write([]byte("DEBUG: This debug message will be filtered"))
	logger.Write([]byte("INFO: filtered too"))
	logger.Write([]byte("WARN: This warning message will be shown"))
	if strings.Contains(buf.String(), "filtered") {
		t.Errorf("messages below WARNING were written:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "will be shown") {
		t.Errorf("warning message missing:\n%s", buf.String())
	}

	buf.Reset()
	logger.SetLevel(LevelNone)
	logger.Write([]byte("ERROR: suppressed"))
	if buf.Len() != 0 {
		t.Errorf("LevelNone wrote output: %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warn":    LevelWarning,
		"Warning": LevelWarning,
		"error":   LevelError,
		"none":    LevelNone,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLogLevel("INVALID"); err == nil {
		t.Error("ParseLogLevel(INVALID) succeeded, expected error")
	}

	var level LogLevel
	if err := level.UnmarshalText([]byte("error")); err != nil || level != LevelError {
		t.Errorf("UnmarshalText(error) = %v, %v", level, err)
	}
}

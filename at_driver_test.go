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
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newSimDriver(t *testing.T, m *simModem) *ATDriver {
	t.Helper()
	return NewATDriver(openSimLink(t, m, 300*time.Millisecond), testModemConfig())
}

func TestParseSignalQuality(t *testing.T) {
	tests := []struct {
		resp     string
		want     int
		modemErr bool
		ok       bool
	}{
		{"\r\n+CSQ:4\r\n\r\nOK\r\n", 4, false, true},
		{"AT+CSQ\r\r\n+CSQ:5\r\n\r\nOK\r\n", 5, false, true},
		{"\r\n+CSQF:0\r\n\r\nOK\r\n", 0, false, true},
		{"+CSQ: 2", 2, false, true},
		{"", 0, false, false},
		{"\r\nERROR\r\n", 0, true, false},
		{"+CSQ:9\r\nOK", 0, false, false},
		{"AT+CSQ\r", 0, false, false},
	}
	for _, tt := range tests {
		got, err := ParseSignalQuality([]byte(tt.resp))
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("ParseSignalQuality(%q) = %d, %v; want %d", tt.resp, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrSignalUnavailable) {
			t.Errorf("ParseSignalQuality(%q) error = %v, want ErrSignalUnavailable", tt.resp, err)
		}
		if errors.Is(err, ErrModemError) != tt.modemErr {
			t.Errorf("ParseSignalQuality(%q) error = %v, ErrModemError match should be %v", tt.resp, err, tt.modemErr)
		}
	}
}

func TestParseSBDIX(t *testing.T) {
	got, err := ParseSBDIX([]byte("AT+SBDIX\r\r\n+SBDIX: 32, 12, 1, 4, 20, 2\r\n\r\nOK\r\n"))
	if err != nil {
		t.Fatalf("ParseSBDIX failed: %v", err)
	}
	want := SBDIXResult{MOStatus: 32, MOMSN: 12, MTStatus: 1, MTMSN: 4, MTLength: 20, MTQueued: 2}
	if got != want {
		t.Errorf("ParseSBDIX = %+v, want %+v", got, want)
	}
	if got.Sent() {
		t.Error("mo status 32 reported as sent")
	}

	for _, resp := range []string{"", "OK", "+SBDIX: 0, 1, 0", "+SBDIX: 0, x, 0, 0, 0, 0", "\r\nERROR\r\n"} {
		if _, err := ParseSBDIX([]byte(resp)); !errors.Is(err, ErrUnexpectedResponse) {
			t.Errorf("ParseSBDIX(%q) error = %v, want ErrUnexpectedResponse", resp, err)
		}
	}
}

func TestParseWriteResult(t *testing.T) {
	tests := map[string]int{
		"\r\n0\r\n\r\nOK\r\n":             0,
		"\r\n2\r\n\r\nOK\r\n":             2,
		"42 knots\r\r\n1\r\n\r\nOK\r\n":    1,
		"AT+SBDWT\r\n13\r\r\n0\r\nOK\r\n": 0,
	}
	for resp, want := range tests {
		got, err := ParseWriteResult([]byte(resp))
		if err != nil || got != want {
			t.Errorf("ParseWriteResult(%q) = %d, %v; want %d", resp, got, err, want)
		}
	}
	if _, err := ParseWriteResult([]byte("\r\nOK\r\n")); !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("missing code: %v, want ErrUnexpectedResponse", err)
	}
}

func TestATDriverInitialize(t *testing.T) {
	m := newSimModem()
	d := newSimDriver(t, m)
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	want := []string{CmdAT, CmdFactoryReset, CmdDisableFlowControl}
	if got := m.Commands(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("Initialize sent %q, want %q", got, want)
	}
}

func TestATDriverInitializeError(t *testing.T) {
	m := newSimModem()
	m.errorOn[CmdFactoryReset] = true
	d := newSimDriver(t, m)

	err := d.Initialize(context.Background())
	if !errors.Is(err, ErrModemNotResponding) || !errors.Is(err, ErrModemError) {
		t.Fatalf("Initialize error = %v, want ErrModemNotResponding and ErrModemError", err)
	}
	if got := m.Commands(); len(got) != 2 {
		t.Errorf("Initialize continued after ERROR: %q", got)
	}
}

func TestATDriverInitializeSilent(t *testing.T) {
	m := newSimModem()
	m.silent = true
	d := NewATDriver(openSimLink(t, m, 50*time.Millisecond), testModemConfig())

	err := d.Initialize(context.Background())
	if !errors.Is(err, ErrModemNotResponding) || errors.Is(err, ErrModemError) {
		t.Fatalf("Initialize error = %v, want ErrModemNotResponding only", err)
	}
}

func TestATDriverInitializeCanceled(t *testing.T) {
	m := newSimModem()
	d := newSimDriver(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Initialize(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Initialize error = %v, want context.Canceled", err)
	}
	if got := m.Commands(); len(got) != 0 {
		t.Errorf("Initialize sent %q after cancel", got)
	}
}

func TestATDriverSignalQuality(t *testing.T) {
	m := newSimModem()
	m.signal = []int{3, -1}
	d := newSimDriver(t, m)

	bars, err := d.SignalQuality()
	if err != nil || bars != 3 {
		t.Fatalf("SignalQuality = %d, %v; want 3", bars, err)
	}
	_, err = d.SignalQuality()
	if !errors.Is(err, ErrSignalUnavailable) || !errors.Is(err, ErrModemError) {
		t.Errorf("SignalQuality error = %v, want ErrSignalUnavailable and ErrModemError", err)
	}

	m.mu.Lock()
	m.signal = []int{2}
	m.mu.Unlock()
	fast := testModemConfig()
	fast.SignalCommand = CmdSignalQualityFast
	d = NewATDriver(openSimLink(t, m, 300*time.Millisecond), fast)
	if bars, err := d.SignalQuality(); err != nil || bars != 2 {
		t.Errorf("SignalQuality with CSQF = %d, %v; want 2", bars, err)
	}
}

func singlePacket(t *testing.T, id uint8) SubPacket {
	t.Helper()
	packets, err := NewPacketEncoder(DefaultSensorTypeOffset).Encode(makePayload(SensorMicroSWIFT51, 249), id)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return packets[0]
}

func TestATDriverWriteBinaryAndSend(t *testing.T) {
	m := newSimModem()
	d := newSimDriver(t, m)
	sp := singlePacket(t, 7)

	result, err := d.WriteBinaryAndSend(sp)
	if err != nil {
		t.Fatalf("WriteBinaryAndSend failed: %v", err)
	}
	if !result.Sent() || result.MOMSN != 1 {
		t.Errorf("result = %+v", result)
	}
	sent := m.Sent()
	if len(sent) != 1 || !bytes.Equal(sent[0], sp.Bytes()) {
		t.Fatalf("modem transferred %d messages, want the sub-packet", len(sent))
	}
	if !bytes.HasPrefix(sent[0], []byte("0,7,0,249:")) {
		t.Errorf("message starts %q", sent[0][:12])
	}
	want := []string{fmt.Sprintf("%s=%d", CmdWriteBinary, sp.Len()), CmdInitiateSession}
	if got := m.Commands(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestATDriverWriteResultCodes(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{1, ErrWriteTimeout},
		{2, ErrChecksumMismatch},
		{3, ErrSizeMismatch},
		{7, ErrUnexpectedResponse},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			m := newSimModem()
			m.writeCodes = []int{tt.code}
			d := newSimDriver(t, m)

			if _, err := d.WriteBinaryAndSend(singlePacket(t, 0)); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			for _, cmd := range m.Commands() {
				if cmd == CmdInitiateSession {
					t.Error("session started after a failed write")
				}
			}
		})
	}
}

func TestATDriverRejected(t *testing.T) {
	m := newSimModem()
	m.moStatus = []int{32}
	d := newSimDriver(t, m)

	result, err := d.WriteBinaryAndSend(singlePacket(t, 0))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Code != 32 {
		t.Errorf("error = %#v, want RejectedError code 32", err)
	}
	if result.MOStatus != 32 {
		t.Errorf("result = %+v", result)
	}
	if len(m.Sent()) != 0 {
		t.Error("rejected message recorded as sent")
	}
}

func TestATDriverNoReady(t *testing.T) {
	m := newSimModem()
	m.noReady = true
	d := newSimDriver(t, m)

	if _, err := d.WriteBinaryAndSend(singlePacket(t, 0)); !errors.Is(err, ErrWriteTimeout) {
		t.Errorf("error = %v, want ErrWriteTimeout", err)
	}
}

func TestATDriverWriteASCIIAndSend(t *testing.T) {
	m := newSimModem()
	d := newSimDriver(t, m)

	if _, err := d.WriteASCIIAndSend("buoy 7 OK, 42 knots"); err != nil {
		t.Fatalf("WriteASCIIAndSend failed: %v", err)
	}
	if sent := m.Sent(); len(sent) != 1 || string(sent[0]) != "buoy 7 OK, 42 knots" {
		t.Errorf("modem transferred %q", sent)
	}
}

func TestATDriverWriteASCIIRejectsInput(t *testing.T) {
	m := newSimModem()
	d := newSimDriver(t, m)

	for _, text := range []string{"", strings.Repeat("a", MaxMessageSize+1), "caf\xc3\xa9", "two\nlines"} {
		if _, err := d.WriteASCIIAndSend(text); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("WriteASCIIAndSend(%q) error = %v, want ErrInvalidInput", text, err)
		}
	}
	if got := m.Commands(); len(got) != 0 {
		t.Errorf("invalid text reached the modem: %q", got)
	}
	if _, err := d.WriteASCIIAndSend(strings.Repeat("a", MaxMessageSize)); err != nil {
		t.Errorf("340 byte message rejected: %v", err)
	}
}

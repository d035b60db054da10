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
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// AT commands
const (
	CmdAT                 = "AT"
	CmdFactoryReset       = "AT&F"
	CmdDisableFlowControl = "AT&K=0"
	CmdSignalQuality      = "AT+CSQ"
	CmdSignalQualityFast  = "AT+CSQF"
	CmdWriteBinary        = "AT+SBDWB"
	CmdWriteText          = "AT+SBDWT"
	CmdInitiateSession    = "AT+SBDIX"
)

// Modem responses
const (
	RespOK    = "OK"
	RespError = "ERROR"
	RespReady = "READY"
)

// MaxSignalQuality is the highest signal-strength bar the modem reports.
const MaxSignalQuality = 5

// finalLines end a write result or session reply. Matching on the whole line
// keeps an echoed text message from ending the read early.
var finalLines = []string{RespOK + "\r\n", RespError + "\r\n"}

var signalPattern = regexp.MustCompile(`CSQF?:\s*(\d+)`)

// SBDIXResult is the parsed reply of an AT+SBDIX session.
type SBDIXResult struct {
	MOStatus int
	MOMSN    int
	MTStatus int
	MTMSN    int
	MTLength int
	MTQueued int
}

// Sent returns true if the mobile-originated message reached the gateway.
func (r SBDIXResult) Sent() bool {
	return r.MOStatus == 0
}

func (r SBDIXResult) String() string {
	return fmt.Sprintf("+SBDIX: %d, %d, %d, %d, %d, %d", r.MOStatus, r.MOMSN, r.MTStatus, r.MTMSN, r.MTLength, r.MTQueued)
}

// ATDriver implements the SBD AT protocol over a link. It does not retry.
type ATDriver struct {
	link   Transporter
	config ModemConfig
	logger io.Writer
}

// NewATDriver creates a driver over link using the timing in config.
func NewATDriver(link Transporter, config ModemConfig) *ATDriver {
	if config.SignalCommand == "" {
		config.SignalCommand = CmdSignalQuality
	}
	return &ATDriver{link: link, config: config}
}

// SetLogger sets the logger.
func (d *ATDriver) SetLogger(logger io.Writer) {
	d.logger = logger
}

// Initialize runs the handshake every power cycle needs: AT, factory
// defaults, flow control off. ctx is checked before each command.
func (d *ATDriver) Initialize(ctx context.Context) error {
	for _, cmd := range []string{CmdAT, CmdFactoryReset, CmdDisableFlowControl} {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sbd: initialize interrupted before %s: %w", cmd, err)
		}
		resp, err := d.link.SendCommand(cmd)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrModemNotResponding, cmd, err)
		}
		if bytes.Contains(resp, []byte(RespError)) {
			return fmt.Errorf("%w: %s: %w", ErrModemNotResponding, cmd, ErrModemError)
		}
		if !bytes.Contains(resp, []byte(RespOK)) {
			return fmt.Errorf("%w: %s answered %q", ErrModemNotResponding, cmd, resp)
		}
	}
	logf(d.logger, "DEBUG: sbd: modem initialized")
	return nil
}

// SignalQuality returns the current signal strength in bars, 0 to 5.
func (d *ATDriver) SignalQuality() (int, error) {
	resp, err := d.link.SendCommand(d.config.SignalCommand)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSignalUnavailable, err)
	}
	return ParseSignalQuality(resp)
}

// ParseSignalQuality extracts the bar count following "CSQ:" or "CSQF:".
func ParseSignalQuality(resp []byte) (int, error) {
	m := signalPattern.FindSubmatch(resp)
	if m == nil {
		if bytes.Contains(resp, []byte(RespError)) {
			return 0, fmt.Errorf("%w: %w", ErrSignalUnavailable, ErrModemError)
		}
		if len(bytes.TrimSpace(resp)) == 0 {
			return 0, fmt.Errorf("%w: no response", ErrSignalUnavailable)
		}
		return 0, fmt.Errorf("%w: malformed response %q", ErrSignalUnavailable, resp)
	}
	bars, err := strconv.Atoi(string(m[1]))
	if err != nil || bars > MaxSignalQuality {
		return 0, fmt.Errorf("%w: signal value %q out of range", ErrSignalUnavailable, m[1])
	}
	return bars, nil
}

// WriteBinaryAndSend loads sp into the modem's MO buffer with AT+SBDWB and
// transmits it with AT+SBDIX. A session that completes with a non-zero MO
// status returns the result and a *RejectedError.
func (d *ATDriver) WriteBinaryAndSend(sp SubPacket) (SBDIXResult, error) {
	data := sp.Bytes()
	if len(data) == 0 || len(data) > MaxMessageSize {
		return SBDIXResult{}, fmt.Errorf("%w: binary message of %d bytes, limit %d", ErrInvalidInput, len(data), MaxMessageSize)
	}

	if err := d.awaitReady(fmt.Sprintf("%s=%d", CmdWriteBinary, len(data))); err != nil {
		return SBDIXResult{}, err
	}

	checksum := ChecksumBytes(data)
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, data...)
	frame = append(frame, checksum[:]...)
	if err := d.link.WriteRaw(frame); err != nil {
		return SBDIXResult{}, err
	}

	code, err := d.readWriteResult()
	if err != nil {
		return SBDIXResult{}, err
	}
	if err := writeResultError(code); err != nil {
		logf(d.logger, "WARNING: sbd: SBDWB of packet %d (%d bytes) failed: %v", sp.Index, len(data), err)
		return SBDIXResult{}, err
	}
	logf(d.logger, "DEBUG: sbd: wrote packet %d, %d bytes, checksum %02X%02X", sp.Index, len(data), checksum[0], checksum[1])

	return d.initiateSession()
}

// WriteASCIIAndSend loads text with AT+SBDWT and transmits it. text must be
// 7-bit ASCII without line breaks and at most MaxMessageSize bytes.
func (d *ATDriver) WriteASCIIAndSend(text string) (SBDIXResult, error) {
	if err := validateText(text); err != nil {
		return SBDIXResult{}, err
	}

	if err := d.awaitReady(CmdWriteText); err != nil {
		return SBDIXResult{}, err
	}
	if err := d.link.WriteRaw([]byte(text + "\r")); err != nil {
		return SBDIXResult{}, err
	}

	code, err := d.readWriteResult()
	if err != nil {
		return SBDIXResult{}, err
	}
	if code != 0 {
		return SBDIXResult{}, fmt.Errorf("%w: SBDWT result code %d", ErrWriteTimeout, code)
	}
	logf(d.logger, "DEBUG: sbd: wrote %d byte text message", len(text))

	return d.initiateSession()
}

func validateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: empty text message", ErrInvalidInput)
	}
	if len(text) > MaxMessageSize {
		return fmt.Errorf("%w: text message of %d bytes, limit %d", ErrInvalidInput, len(text), MaxMessageSize)
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c >= 0x80 || c == '\r' || c == '\n' {
			return fmt.Errorf("%w: byte %d of text message (0x%02X) is not printable ASCII", ErrInvalidInput, i, c)
		}
	}
	return nil
}

// awaitReady sends a write command and waits for the modem to accept data.
func (d *ATDriver) awaitReady(cmd string) error {
	d.link.Flush()
	if err := d.link.WriteRaw([]byte(cmd + "\r")); err != nil {
		return err
	}
	resp, err := d.link.ReadUntil(d.config.WriteTimeout, RespReady, RespError)
	if err != nil {
		return err
	}
	switch {
	case bytes.Contains(resp, []byte(RespReady)):
		return nil
	case bytes.Contains(resp, []byte(RespError)):
		return fmt.Errorf("%w: %s: %w", ErrUnexpectedResponse, cmd, ErrModemError)
	default:
		return fmt.Errorf("%w: no %s after %s within %v", ErrWriteTimeout, RespReady, cmd, d.config.WriteTimeout)
	}
}

func (d *ATDriver) readWriteResult() (int, error) {
	resp, err := d.link.ReadUntil(d.config.WriteTimeout, finalLines...)
	if err != nil {
		return 0, err
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return 0, fmt.Errorf("%w: no write result within %v", ErrWriteTimeout, d.config.WriteTimeout)
	}
	return ParseWriteResult(resp)
}

// ParseWriteResult returns the result code of an SBDWB or SBDWT write, the
// last line of resp holding only an integer.
func ParseWriteResult(resp []byte) (int, error) {
	code := -1
	for _, line := range strings.Split(string(resp), "\n") {
		if n, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			code = n
		}
	}
	if code < 0 {
		if bytes.Contains(resp, []byte(RespError)) {
			return 0, fmt.Errorf("%w: write result: %w", ErrUnexpectedResponse, ErrModemError)
		}
		return 0, fmt.Errorf("%w: no write result code in %q", ErrUnexpectedResponse, resp)
	}
	return code, nil
}

// initiateSession runs AT+SBDIX and classifies the outcome.
func (d *ATDriver) initiateSession() (SBDIXResult, error) {
	d.link.Flush()
	if err := d.link.WriteRaw([]byte(CmdInitiateSession + "\r")); err != nil {
		return SBDIXResult{}, err
	}
	time.Sleep(d.config.SessionSettle)

	resp, err := d.link.ReadUntil(d.config.SessionTimeout, finalLines...)
	if err != nil {
		return SBDIXResult{}, err
	}
	result, err := ParseSBDIX(resp)
	if err != nil {
		return SBDIXResult{}, err
	}
	if !result.Sent() {
		logf(d.logger, "WARNING: sbd: session failed, mo status %d (%s)", result.MOStatus, moStatusMessage(result.MOStatus))
		return result, &RejectedError{Code: result.MOStatus, Result: result}
	}
	logf(d.logger, "INFO: sbd: session complete, momsn %d", result.MOMSN)
	return result, nil
}

// ParseSBDIX parses a "+SBDIX: mo, momsn, mt, mtmsn, mtlen, mtq" reply.
func ParseSBDIX(resp []byte) (SBDIXResult, error) {
	const tag = "+SBDIX:"
	i := bytes.Index(resp, []byte(tag))
	if i < 0 {
		if bytes.Contains(resp, []byte(RespError)) {
			return SBDIXResult{}, fmt.Errorf("%w: %s: %w", ErrUnexpectedResponse, CmdInitiateSession, ErrModemError)
		}
		return SBDIXResult{}, fmt.Errorf("%w: no %s in %q", ErrUnexpectedResponse, tag, resp)
	}
	line := resp[i+len(tag):]
	if j := bytes.IndexAny(line, "\r\n"); j >= 0 {
		line = line[:j]
	}

	fields := strings.Split(string(line), ",")
	if len(fields) != 6 {
		return SBDIXResult{}, fmt.Errorf("%w: %s has %d fields, want 6", ErrUnexpectedResponse, tag, len(fields))
	}
	var values [6]int
	for k, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return SBDIXResult{}, fmt.Errorf("%w: %s field %d %q", ErrUnexpectedResponse, tag, k, f)
		}
		values[k] = v
	}
	return SBDIXResult{
		MOStatus: values[0],
		MOMSN:    values[1],
		MTStatus: values[2],
		MTMSN:    values[3],
		MTLength: values[4],
		MTQueued: values[5],
	}, nil
}

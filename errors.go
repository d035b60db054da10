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
	"errors"
	"fmt"
)

var (
	// ErrLink reports a serial open or I/O failure. Fatal for the current call window.
	ErrLink = errors.New("sbd: serial link failure")
	// ErrModemNotResponding reports a failed AT handshake.
	ErrModemNotResponding = errors.New("sbd: modem not responding")
	// ErrModemError reports an explicit ERROR result from the modem for one command.
	ErrModemError = errors.New("sbd: modem returned ERROR")
	// ErrFormat reports a payload that can never be framed for its sensor type.
	ErrFormat = errors.New("sbd: payload format error")
	// ErrSignalUnavailable reports an empty, malformed or ERROR signal-quality response.
	ErrSignalUnavailable  = errors.New("sbd: signal quality unavailable")
	ErrWriteTimeout       = errors.New("sbd: modem write timeout")
	ErrChecksumMismatch   = errors.New("sbd: checksum mismatch")
	ErrSizeMismatch       = errors.New("sbd: message size mismatch")
	ErrUnexpectedResponse = errors.New("sbd: unexpected modem response")
	// ErrRejected reports an SBDIX session whose MO status was not 0.
	ErrRejected = errors.New("sbd: transmission rejected")
	// ErrTimedOut reports that the call window closed before the message was sent.
	ErrTimedOut     = errors.New("sbd: call window timed out")
	ErrInvalidInput = errors.New("sbd: invalid input")
)

// RejectedError carries the MO status of a failed SBDIX session.
type RejectedError struct {
	Code   int
	Result SBDIXResult
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sbd: transmission rejected, mo status %d (%s)", e.Code, moStatusMessage(e.Code))
}

// Is lets errors.Is(err, ErrRejected) match any RejectedError.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// writeResultError maps an SBDWB/SBDWT result code to its error. Code 0 is success.
func writeResultError(code int) error {
	switch code {
	case 0:
		return nil
	case 1:
		return ErrWriteTimeout
	case 2:
		return ErrChecksumMismatch
	case 3:
		return ErrSizeMismatch
	default:
		return fmt.Errorf("%w: write result code %d", ErrUnexpectedResponse, code)
	}
}

// moStatusMessage returns a human-readable message for an SBDIX MO status code.
func moStatusMessage(code int) string {
	switch code {
	case 0:
		return "MO message transferred successfully"
	case 1:
		return "MO transferred, MT message too big"
	case 2:
		return "MO transferred, location update not accepted"
	case 10:
		return "gateway call did not complete in the allowed time"
	case 11:
		return "MO message queue at gateway is full"
	case 12:
		return "MO message has too many segments"
	case 13:
		return "gateway reported that the session did not complete"
	case 14:
		return "invalid segment size"
	case 15:
		return "access is denied"
	case 16:
		return "transceiver locked and may not make SBD calls"
	case 17:
		return "gateway not responding"
	case 18:
		return "connection lost (RF drop)"
	case 19:
		return "link failure"
	case 32:
		return "no network service"
	case 33:
		return "antenna fault"
	case 34:
		return "radio is disabled"
	case 35:
		return "transceiver is busy"
	case 36:
		return "try later, must wait before retrying"
	case 37:
		return "SBD service is temporarily disabled"
	case 38:
		return "try later, traffic management period"
	case 64:
		return "band violation"
	case 65:
		return "PLL lock failure"
	default:
		return "unknown status"
	}
}

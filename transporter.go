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
	"io"
	"time"

	serial "github.com/hootrhino/goserial"
)

// PortOpener opens the serial device behind a ModemLink.
type PortOpener func(address string, baudRate int, readTimeout time.Duration) (io.ReadWriteCloser, error)

// SerialOpener opens address as an 8N1 serial port.
func SerialOpener(address string, baudRate int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	port, err := serial.Open(&serial.Config{
		Address:  address,
		BaudRate: baudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  readTimeout,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Transporter is the line-oriented command/response surface the AT driver
// needs from a link.
type Transporter interface {
	SendCommand(command string) ([]byte, error)
	ReadUntil(timeout time.Duration, markers ...string) ([]byte, error)
	WriteRaw(data []byte) error
	Flush()
}

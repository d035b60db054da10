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
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Modem is one powered, initialized modem. Close releases the port and
// removes power.
type Modem interface {
	SignalQuality() (int, error)
	WriteBinaryAndSend(sp SubPacket) (SBDIXResult, error)
	WriteASCIIAndSend(text string) (SBDIXResult, error)
	Close() error
}

// ModemFactory brings a modem from powered-down to initialized. It gives up
// when ctx is done.
type ModemFactory interface {
	OpenModem(ctx context.Context) (Modem, error)
}

// SerialModemFactory opens modems on a serial port behind a power line.
type SerialModemFactory struct {
	Serial SerialConfig
	Modem  ModemConfig
	Settle time.Duration
	Power  PowerLine
	Opener PortOpener
	logger io.Writer
}

// NewSerialModemFactory creates a factory from config. A nil opener uses
// SerialOpener.
func NewSerialModemFactory(config Config, power PowerLine, opener PortOpener) *SerialModemFactory {
	return &SerialModemFactory{
		Serial: config.Serial,
		Modem:  config.Modem,
		Power:  power,
		Settle: config.Power.Settle,
		Opener: opener,
	}
}

// SetLogger sets the logger handed to every link and driver.
func (f *SerialModemFactory) SetLogger(logger io.Writer) {
	f.logger = logger
}

// OpenModem powers the modem on, opens the port and initializes the modem.
// On failure everything already done is undone.
func (f *SerialModemFactory) OpenModem(ctx context.Context) (Modem, error) {
	link := NewModemLink(f.Power, f.Opener, LinkConfig{
		CommandDelay: f.Modem.CommandDelay,
		QuietGap:     f.Modem.QuietGap,
		PowerSettle:  f.Settle,
	})
	link.SetLogger(f.logger)

	m := &serialModem{link: link}
	if err := link.PowerOn(ctx); err != nil {
		return nil, errors.Join(err, m.Close())
	}
	if err := link.Open(f.Serial.Port, f.Serial.BaudRate, f.Serial.IOTimeout); err != nil {
		return nil, errors.Join(err, m.Close())
	}
	m.ATDriver = NewATDriver(link, f.Modem)
	m.ATDriver.SetLogger(f.logger)
	if err := m.Initialize(ctx); err != nil {
		return nil, errors.Join(err, m.Close())
	}
	return m, nil
}

type serialModem struct {
	*ATDriver
	link *ModemLink
}

func (m *serialModem) Close() error {
	cerr := m.link.Close()
	if err := m.link.PowerOff(); err != nil {
		return err
	}
	if cerr != nil {
		return fmt.Errorf("%w: close: %v", ErrLink, cerr)
	}
	return nil
}

package sbd

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// PowerLine drives the modem's power-enable pin.
type PowerLine interface {
	Assert() error
	Deassert() error
}

// GPIOPowerLine is a PowerLine on a GPIO character device line.
// The line is requested on first use and held until Close.
type GPIOPowerLine struct {
	mu     sync.Mutex
	chip   string
	offset int
	line   *gpiocdev.Line
}

// NewGPIOPowerLine creates a PowerLine for line offset on chip, e.g. "gpiochip0".
func NewGPIOPowerLine(chip string, offset int) *GPIOPowerLine {
	return &GPIOPowerLine{chip: chip, offset: offset}
}

func (p *GPIOPowerLine) request() error {
	if p.line != nil {
		return nil
	}
	line, err := gpiocdev.RequestLine(p.chip, p.offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("sbd-modem"))
	if err != nil {
		return fmt.Errorf("sbd: failed to request %s line %d: %w", p.chip, p.offset, err)
	}
	p.line = line
	return nil
}

// Assert drives the enable line high.
func (p *GPIOPowerLine) Assert() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.request(); err != nil {
		return err
	}
	return p.line.SetValue(1)
}

// Deassert drives the enable line low.
func (p *GPIOPowerLine) Deassert() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.request(); err != nil {
		return err
	}
	return p.line.SetValue(0)
}

// Close drives the line low and releases it.
func (p *GPIOPowerLine) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.line == nil {
		return nil
	}
	err := p.line.SetValue(0)
	if cerr := p.line.Close(); err == nil {
		err = cerr
	}
	p.line = nil
	return err
}

// NopPowerLine is used when the modem is powered externally.
type NopPowerLine struct{}

func (NopPowerLine) Assert() error   { return nil }
func (NopPowerLine) Deassert() error { return nil }

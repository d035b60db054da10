package sbd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// portReadPoll bounds each blocking read of the serial device so the reader
// goroutine notices Close.
const portReadPoll = 100 * time.Millisecond

// LinkConfig holds ModemLink timing.
type LinkConfig struct {
	CommandDelay time.Duration // pause between a command and reading its reply
	QuietGap     time.Duration // silence that ends a reply
	PowerSettle  time.Duration // wait after asserting power
}

// ModemLink owns the modem's serial port and power line.
type ModemLink struct {
	mu        sync.Mutex
	config    LinkConfig
	power     PowerLine
	opener    PortOpener
	logger    io.Writer
	port      io.ReadWriteCloser
	ioTimeout time.Duration
	rx        chan []byte
	stopCh    chan struct{}
	done      chan struct{}
	readErr   error
}

// NewModemLink creates a ModemLink. The port is not opened until Open.
func NewModemLink(power PowerLine, opener PortOpener, config LinkConfig) *ModemLink {
	if power == nil {
		power = NopPowerLine{}
	}
	if opener == nil {
		opener = SerialOpener
	}
	return &ModemLink{
		config: config,
		power:  power,
		opener: opener,
	}
}

// SetLogger sets the writer that receives link traffic at DEBUG level.
func (l *ModemLink) SetLogger(logger io.Writer) {
	l.logger = logger
}

// PowerOn asserts the power line and waits for the modem to settle. The
// wait ends early with ctx's error if ctx is done first.
func (l *ModemLink) PowerOn(ctx context.Context) error {
	if err := l.power.Assert(); err != nil {
		return fmt.Errorf("%w: power on: %v", ErrLink, err)
	}
	logf(l.logger, "DEBUG: sbd: modem powered on, settling %v", l.config.PowerSettle)
	if l.config.PowerSettle <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sbd: power settle interrupted: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(l.config.PowerSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sbd: power settle interrupted: %w", ctx.Err())
	}
}

// PowerOff deasserts the power line.
func (l *ModemLink) PowerOff() error {
	if err := l.power.Deassert(); err != nil {
		return fmt.Errorf("%w: power off: %v", ErrLink, err)
	}
	logf(l.logger, "DEBUG: sbd: modem powered off")
	return nil
}

// Open opens the serial device and starts reading from it. ioTimeout bounds
// every SendCommand.
func (l *ModemLink) Open(address string, baudRate int, ioTimeout time.Duration) error {
	if l.IsOpen() {
		return fmt.Errorf("%w: %s already open", ErrLink, address)
	}
	port, err := l.opener(address, baudRate, portReadPoll)
	if err != nil {
		return fmt.Errorf("%w: open %s at %d baud: %v", ErrLink, address, baudRate, err)
	}

	l.mu.Lock()
	l.port = port
	l.ioTimeout = ioTimeout
	l.rx = make(chan []byte, 64)
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	l.readErr = nil
	l.mu.Unlock()

	go l.readLoop(port, l.rx, l.stopCh, l.done)
	logf(l.logger, "DEBUG: sbd: opened %s at %d baud", address, baudRate)
	return nil
}

// readLoop copies everything the port yields into rx until stopped or the
// port fails.
func (l *ModemLink) readLoop(port io.Reader, rx chan<- []byte, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case rx <- chunk:
			case <-stopCh:
				return
			}
		}
		if err == nil {
			continue
		}
		select {
		case <-stopCh:
			return
		default:
		}
		if isTimeout(err) {
			continue
		}
		l.mu.Lock()
		l.readErr = err
		l.mu.Unlock()
		return
	}
}

// isTimeout reports whether err is a read timeout rather than a failure.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func (l *ModemLink) linkError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return fmt.Errorf("%w: read: %v", ErrLink, l.readErr)
	}
	return fmt.Errorf("%w: read: port closed", ErrLink)
}

// Flush discards input that has already arrived.
func (l *ModemLink) Flush() {
	for {
		select {
		case <-l.rx:
		default:
			return
		}
	}
}

// WriteRaw writes data to the port unbuffered.
func (l *ModemLink) WriteRaw(data []byte) error {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return fmt.Errorf("%w: write on closed link", ErrLink)
	}
	written := 0
	for written < len(data) {
		n, err := port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("%w: write failed after %d bytes: %v", ErrLink, written, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: write made no progress after %d bytes", ErrLink, written)
		}
		written += n
	}
	return nil
}

// SendCommand writes command and a carriage return, waits the command delay
// and returns whatever the modem replies within the I/O timeout. The reply
// ends early on a final OK or ERROR line or after a quiet gap. An empty reply
// is not an error.
func (l *ModemLink) SendCommand(command string) ([]byte, error) {
	if !l.IsOpen() {
		return nil, fmt.Errorf("%w: command %s on closed link", ErrLink, command)
	}
	l.Flush()
	if err := l.WriteRaw([]byte(command + "\r")); err != nil {
		return nil, err
	}
	time.Sleep(l.config.CommandDelay)

	resp, err := l.drain(l.ioTimeout)
	logf(l.logger, "DEBUG: sbd: %s -> %q", command, resp)
	return resp, err
}

func (l *ModemLink) drain(timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var resp []byte
	var quiet <-chan time.Time
	for {
		select {
		case chunk := <-l.rx:
			resp = append(resp, chunk...)
			if hasFinalResult(resp) {
				return resp, nil
			}
			quiet = time.After(l.config.QuietGap)
		case <-quiet:
			return resp, nil
		case <-deadline.C:
			return resp, nil
		case <-l.done:
			return l.drainBuffered(resp), l.linkError()
		}
	}
}

// ReadUntil reads until one of markers has been received or timeout
// elapses. On timeout it returns what was read and a nil error; callers
// check for the marker themselves.
func (l *ModemLink) ReadUntil(timeout time.Duration, markers ...string) ([]byte, error) {
	if !l.IsOpen() {
		return nil, fmt.Errorf("%w: read on closed link", ErrLink)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var resp []byte
	for {
		if containsAny(resp, markers) {
			logf(l.logger, "DEBUG: sbd: read %q", resp)
			return resp, nil
		}
		select {
		case chunk := <-l.rx:
			resp = append(resp, chunk...)
		case <-deadline.C:
			logf(l.logger, "DEBUG: sbd: no %v within %v, read %q", markers, timeout, resp)
			return resp, nil
		case <-l.done:
			resp = l.drainBuffered(resp)
			if containsAny(resp, markers) {
				return resp, nil
			}
			return resp, l.linkError()
		}
	}
}

// drainBuffered appends chunks the reader delivered before it stopped.
func (l *ModemLink) drainBuffered(resp []byte) []byte {
	for {
		select {
		case chunk := <-l.rx:
			resp = append(resp, chunk...)
		default:
			return resp
		}
	}
}

// Close stops the reader and closes the port.
func (l *ModemLink) Close() error {
	l.mu.Lock()
	port, stopCh, done := l.port, l.stopCh, l.done
	l.port = nil
	l.mu.Unlock()
	if port == nil {
		return nil
	}

	close(stopCh)
	err := port.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		logf(l.logger, "WARNING: sbd: serial reader did not stop after close")
	}
	return err
}

// IsOpen returns true if the port is open.
func (l *ModemLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// hasFinalResult reports whether resp ends with a final OK or ERROR line.
func hasFinalResult(resp []byte) bool {
	trimmed := bytes.TrimRight(resp, "\r\n ")
	return bytes.HasSuffix(trimmed, []byte(RespOK)) || bytes.HasSuffix(trimmed, []byte(RespError))
}

func containsAny(resp []byte, markers []string) bool {
	for _, m := range markers {
		if bytes.Contains(resp, []byte(m)) {
			return true
		}
	}
	return false
}

package sbd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// simModem scripts an Iridium 9603 behind a serial port. Replies are queued
// synchronously from Write, so each reply is one chunk on the read side.
type simModem struct {
	mu sync.Mutex

	echo       bool
	silent     bool            // never answers
	noReady    bool            // never answers READY
	errorOn    map[string]bool // commands answered with ERROR
	signal     []int           // CSQ readings, the last repeats; -1 answers ERROR
	writeCodes []int           // SBDWB result codes, then 0
	moStatus   []int           // SBDIX MO statuses, then 0
	failOpens  int             // number of opens that fail

	opens    int
	commands []string
	moBuffer []byte
	sent     [][]byte // MO buffers transferred with status 0
	momsn    int

	line     []byte
	bin      []byte
	binLeft  int
	textMode bool
}

func newSimModem() *simModem {
	return &simModem{echo: true, errorOn: make(map[string]bool)}
}

type simConn struct {
	m       *simModem
	out     chan []byte
	closed  chan struct{}
	once    sync.Once
	pending []byte
}

func (m *simModem) opener() PortOpener {
	return func(address string, baudRate int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.failOpens > 0 {
			m.failOpens--
			return nil, errors.New("no such device")
		}
		m.opens++
		m.line, m.bin, m.binLeft, m.textMode = nil, nil, 0, false
		return &simConn{m: m, out: make(chan []byte, 1024), closed: make(chan struct{})}, nil
	}
}

func (c *simConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case b := <-c.out:
			c.pending = b
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *simConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	for _, b := range p {
		c.m.feed(c, b)
	}
	return len(p), nil
}

func (c *simConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (m *simModem) reply(c *simConn, s string) {
	if m.silent {
		return
	}
	select {
	case c.out <- []byte(s):
	default:
	}
}

func (m *simModem) feed(c *simConn, b byte) {
	switch {
	case m.binLeft > 0:
		m.bin = append(m.bin, b)
		m.binLeft--
		if m.binLeft == 0 {
			m.finishBinary(c)
		}
	case b == '\r':
		line := string(m.line)
		m.line = m.line[:0]
		if m.echo {
			m.reply(c, line+"\r")
		}
		if m.textMode {
			m.textMode = false
			m.moBuffer = []byte(line)
			m.reply(c, "\r\n0\r\n\r\nOK\r\n")
			return
		}
		m.command(c, line)
	case b == '\n':
	default:
		m.line = append(m.line, b)
	}
}

func (m *simModem) command(c *simConn, cmd string) {
	if cmd == "" {
		return
	}
	m.commands = append(m.commands, cmd)
	name, _, _ := strings.Cut(cmd, "=")
	if m.errorOn[cmd] || m.errorOn[name] {
		m.reply(c, "\r\nERROR\r\n")
		return
	}

	switch {
	case cmd == CmdAT || cmd == CmdFactoryReset || cmd == CmdDisableFlowControl:
		m.reply(c, "\r\nOK\r\n")
	case cmd == CmdSignalQuality || cmd == CmdSignalQualityFast:
		v := m.nextSignal()
		if v < 0 {
			m.reply(c, "\r\nERROR\r\n")
			return
		}
		m.reply(c, fmt.Sprintf("\r\n%s:%d\r\n\r\nOK\r\n", strings.TrimPrefix(cmd, "AT"), v))
	case name == CmdWriteBinary:
		n, err := strconv.Atoi(strings.TrimPrefix(cmd, CmdWriteBinary+"="))
		if err != nil || n < 1 || n > MaxMessageSize {
			m.reply(c, "\r\nERROR\r\n")
			return
		}
		if m.noReady {
			return
		}
		m.bin = m.bin[:0]
		m.binLeft = n + 2
		m.reply(c, "READY\r\n")
	case cmd == CmdWriteText:
		if m.noReady {
			return
		}
		m.textMode = true
		m.reply(c, "READY\r\n")
	case cmd == CmdInitiateSession:
		status := shift(&m.moStatus)
		m.momsn++
		if status == 0 {
			m.sent = append(m.sent, append([]byte(nil), m.moBuffer...))
		}
		m.reply(c, fmt.Sprintf("\r\n+SBDIX: %d, %d, 0, 0, 0, 0\r\n\r\nOK\r\n", status, m.momsn))
	default:
		m.reply(c, "\r\nERROR\r\n")
	}
}

func (m *simModem) finishBinary(c *simConn) {
	n := len(m.bin) - 2
	data := append([]byte(nil), m.bin[:n]...)
	code := shift(&m.writeCodes)
	if code == 0 && ChecksumBytes(data) != [2]byte{m.bin[n], m.bin[n+1]} {
		code = 2
	}
	if code == 0 {
		m.moBuffer = data
	}
	m.reply(c, fmt.Sprintf("\r\n%d\r\n\r\nOK\r\n", code))
}

func (m *simModem) nextSignal() int {
	if len(m.signal) == 0 {
		return MaxSignalQuality
	}
	v := m.signal[0]
	if len(m.signal) > 1 {
		m.signal = m.signal[1:]
	}
	return v
}

func shift(s *[]int) int {
	if len(*s) == 0 {
		return 0
	}
	v := (*s)[0]
	*s = (*s)[1:]
	return v
}

func (m *simModem) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

func (m *simModem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *simModem) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// countBefore counts commands equal to cmd that precede the first command
// starting with stop.
func countBefore(commands []string, cmd, stop string) int {
	n := 0
	for _, c := range commands {
		if strings.HasPrefix(c, stop) {
			break
		}
		if c == cmd {
			n++
		}
	}
	return n
}

type fakePower struct {
	mu        sync.Mutex
	on        bool
	asserts   int
	deasserts int
	err       error
}

func (p *fakePower) Assert() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.on = true
	p.asserts++
	return nil
}

func (p *fakePower) Deassert() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.on = false
	p.deasserts++
	return nil
}

func (p *fakePower) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

func testModemConfig() ModemConfig {
	return ModemConfig{
		QuietGap:       20 * time.Millisecond,
		WriteTimeout:   200 * time.Millisecond,
		SessionTimeout: 500 * time.Millisecond,
		SignalCommand:  CmdSignalQuality,
	}
}

func testConfig(dir string) Config {
	config := DefaultConfig()
	config.Serial.Port = "sim0"
	config.Serial.IOTimeout = 300 * time.Millisecond
	config.Power.Settle = 0
	config.Modem = testModemConfig()
	config.Session.RetryMin = 5 * time.Millisecond
	config.Session.RetryMax = 20 * time.Millisecond
	config.Queue.Dir = dir
	return config
}

func openSimLink(t *testing.T, m *simModem, ioTimeout time.Duration) *ModemLink {
	t.Helper()
	link := NewModemLink(&fakePower{}, m.opener(), LinkConfig{QuietGap: 20 * time.Millisecond})
	if err := link.Open("sim0", 19200, ioTimeout); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { link.Close() })
	return link
}

func newSimFactory(m *simModem, power *fakePower) *SerialModemFactory {
	return NewSerialModemFactory(testConfig(""), power, m.opener())
}

package sbd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jpillora/backoff"
)

// Outcome is the result of one message's call window.
type Outcome int

const (
	OutcomeTimedOut Outcome = iota
	OutcomeSent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// attemptFunc sends a message on a modem whose signal gate has opened.
type attemptFunc func(ctx context.Context, m Modem) error

// TransmissionSession sends messages within one call window. The window's
// deadline is carried by the context passed to Transmit. A session is used
// by one goroutine.
type TransmissionSession struct {
	config SessionConfig
	modems ModemFactory
	logger io.Writer
}

// NewTransmissionSession creates a session that opens modems with modems.
func NewTransmissionSession(config SessionConfig, modems ModemFactory, logger io.Writer) *TransmissionSession {
	return &TransmissionSession{
		config: config,
		modems: modems,
		logger: logger,
	}
}

// Transmit sends the sub-packets of one message, power cycling the modem and
// polling signal quality until the message is sent or ctx is done. An
// exchange already on the wire is allowed to finish.
func (s *TransmissionSession) Transmit(ctx context.Context, packets []SubPacket) (Outcome, error) {
	if len(packets) == 0 {
		return OutcomeTimedOut, fmt.Errorf("%w: no packets to transmit", ErrInvalidInput)
	}
	if len(packets) == 1 {
		return s.run(ctx, func(_ context.Context, m Modem) error {
			_, err := m.WriteBinaryAndSend(packets[0])
			return err
		})
	}
	return s.run(ctx, func(ctx context.Context, m Modem) error {
		return s.sendAll(ctx, m, packets)
	})
}

// TransmitText sends an ASCII message under the same signal gate.
func (s *TransmissionSession) TransmitText(ctx context.Context, text string) (Outcome, error) {
	if err := validateText(text); err != nil {
		return OutcomeTimedOut, err
	}
	return s.run(ctx, func(_ context.Context, m Modem) error {
		_, err := m.WriteASCIIAndSend(text)
		return err
	})
}

// sendAll sends every sub-packet in order, retrying a failed one until it
// goes through or ctx is done.
func (s *TransmissionSession) sendAll(ctx context.Context, m Modem, packets []SubPacket) error {
	b := s.newBackoff()
	for _, sp := range packets {
		for {
			_, err := m.WriteBinaryAndSend(sp)
			if err == nil {
				logf(s.logger, "INFO: sbd: packet %d of %d sent", sp.Index+1, len(packets))
				b.Reset()
				break
			}
			if errors.Is(err, ErrLink) || errors.Is(err, ErrInvalidInput) {
				return err
			}
			logf(s.logger, "WARNING: sbd: packet %d of %d failed, retrying: %v", sp.Index+1, len(packets), err)
			if !s.pause(ctx, b) {
				return err
			}
		}
	}
	return nil
}

// run opens modems and polls them until attempt succeeds or ctx is done.
func (s *TransmissionSession) run(ctx context.Context, attempt attemptFunc) (Outcome, error) {
	b := s.newBackoff()
	var lastErr error
	for ctx.Err() == nil {
		m, err := s.modems.OpenModem(ctx)
		if err != nil {
			lastErr = err
			logf(s.logger, "WARNING: sbd: modem unavailable: %v", err)
			s.pause(ctx, b)
			continue
		}
		b.Reset()

		err = s.poll(ctx, m, attempt)
		if cerr := m.Close(); cerr != nil {
			logf(s.logger, "WARNING: sbd: modem teardown: %v", cerr)
		}
		if err == nil {
			return OutcomeSent, nil
		}
		lastErr = err
		if errors.Is(err, ErrLink) {
			logf(s.logger, "WARNING: sbd: link lost, power cycling modem: %v", err)
			s.pause(ctx, b)
		}
	}

	logf(s.logger, "WARNING: sbd: call window closed before message was sent")
	if lastErr == nil {
		return OutcomeTimedOut, fmt.Errorf("%w: %v", ErrTimedOut, ctx.Err())
	}
	return OutcomeTimedOut, fmt.Errorf("%w: last error: %w", ErrTimedOut, lastErr)
}

// poll feeds signal readings to a gate and runs attempt each time it opens.
// It returns nil once attempt succeeds, the link error that ended the modem
// session, or the last error seen when ctx is done.
func (s *TransmissionSession) poll(ctx context.Context, m Modem, attempt attemptFunc) error {
	gate := NewSignalGate(s.config.GateWindow, s.config.GateThreshold)
	var lastErr error
	for ctx.Err() == nil {
		bars, err := m.SignalQuality()
		if err != nil {
			if errors.Is(err, ErrLink) {
				return err
			}
			lastErr = err
			logf(s.logger, "DEBUG: sbd: %v", err)
			continue
		}
		logf(s.logger, "DEBUG: sbd: signal quality %d", bars)
		if !gate.Observe(bars) {
			continue
		}
		logf(s.logger, "INFO: sbd: signal %v meets threshold, sending", gate.Readings())
		gate.Reset()

		err = attempt(ctx, m)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrLink) {
			return err
		}
		logf(s.logger, "WARNING: sbd: send failed, back to polling: %v", err)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return lastErr
}

func (s *TransmissionSession) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    s.config.RetryMin,
		Max:    s.config.RetryMax,
		Factor: 2,
		Jitter: true,
	}
}

// pause waits for the next backoff interval, cut short by ctx. It returns
// false if ctx is done.
func (s *TransmissionSession) pause(ctx context.Context, b *backoff.Backoff) bool {
	d := b.Duration()
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package sbd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// DrainReport summarises one call window.
type DrainReport struct {
	Sent      int
	Dropped   int
	Remaining int
}

// Engine connects the payload producer and the scheduler to the queue and
// the modem. Submit and Drain must not run concurrently.
type Engine struct {
	config  Config
	queue   *OutboundQueue
	counter *MessageCounter
	modems  ModemFactory
	encoder *PacketEncoder
	logger  io.Writer
}

// NewEngine creates an Engine.
func NewEngine(config Config, queue *OutboundQueue, counter *MessageCounter, modems ModemFactory, logger io.Writer) *Engine {
	return &Engine{
		config:  config,
		queue:   queue,
		counter: counter,
		modems:  modems,
		encoder: NewPacketEncoder(config.Payload.SensorTypeOffset),
		logger:  logger,
	}
}

// Submit queues p for transmission. A payload that can never be framed is
// logged and rejected with an error wrapping ErrFormat.
func (e *Engine) Submit(p Payload) (QueueRecord, error) {
	if _, err := e.encoder.Validate(p); err != nil {
		logf(e.logger, "ERROR: sbd: payload dropped: %v", err)
		return QueueRecord{}, err
	}
	rec, err := e.queue.EnqueuePayload(p)
	if err != nil {
		return QueueRecord{}, err
	}
	logf(e.logger, "INFO: sbd: queued %s, %d waiting", rec.ID, e.queue.Len())
	return rec, nil
}

// SubmitBytes derives the sensor type of raw payload bytes and submits them.
func (e *Engine) SubmitBytes(data []byte) (QueueRecord, error) {
	p, err := PayloadFromBytes(data, e.config.Payload.SensorTypeOffset)
	if err != nil {
		logf(e.logger, "ERROR: sbd: payload dropped: %v", err)
		return QueueRecord{}, err
	}
	return e.Submit(p)
}

// Drain transmits queued payloads newest first until the queue is empty, a
// payload fails to send, or ctx is done. Unsent payloads stay queued.
// Records that are malformed or whose file is gone are dropped; any other
// read error ends the drain with the record kept. A send whose message id
// cannot be saved is committed and ends the drain with an error.
func (e *Engine) Drain(ctx context.Context) (DrainReport, error) {
	session := NewTransmissionSession(e.config.Session, e.modems, e.logger)
	var report DrainReport

	for _, rec := range e.queue.SnapshotLIFO() {
		if ctx.Err() != nil {
			report.Remaining = e.queue.Len()
			return report, fmt.Errorf("%w: %v", ErrTimedOut, ctx.Err())
		}

		id := e.counter.Value()
		packets, err := e.encode(rec, id)
		if err != nil {
			if !errors.Is(err, ErrFormat) && !errors.Is(err, os.ErrNotExist) {
				logf(e.logger, "ERROR: sbd: cannot read %s, keeping it queued: %v", rec.ID, err)
				report.Remaining = e.queue.Len()
				return report, err
			}
			logf(e.logger, "ERROR: sbd: dropping unsendable record %s: %v", rec.ID, err)
			if err := e.commit(rec); err != nil {
				return report, err
			}
			report.Dropped++
			continue
		}

		logf(e.logger, "INFO: sbd: sending %s as message %d in %d packets", rec.ID, id, len(packets))
		outcome, err := session.Transmit(ctx, packets)
		if outcome != OutcomeSent {
			report.Remaining = e.queue.Len()
			return report, err
		}

		advanceErr := e.counter.Advance()
		if err := e.commit(rec); err != nil {
			return report, errors.Join(err, advanceErr)
		}
		report.Sent++
		if advanceErr != nil {
			// The next message would reuse id.
			logf(e.logger, "ERROR: sbd: message %d sent but counter not saved: %v", id, advanceErr)
			report.Remaining = e.queue.Len()
			return report, fmt.Errorf("sbd: message %d sent but id not advanced: %w", id, advanceErr)
		}
		logf(e.logger, "INFO: sbd: sent %s, %d waiting", rec.ID, e.queue.Len())
	}
	report.Remaining = e.queue.Len()
	return report, nil
}

func (e *Engine) encode(rec QueueRecord, id uint8) ([]SubPacket, error) {
	p, err := e.queue.Load(rec)
	if err != nil {
		return nil, err
	}
	return e.encoder.Encode(p, id)
}

// commit removes rec, which must still be the newest record.
func (e *Engine) commit(rec QueueRecord) error {
	head := e.queue.SnapshotLIFO()
	if len(head) == 0 || head[0] != rec {
		return errors.New("sbd: queue changed during drain")
	}
	return e.queue.CommitRemoved(1)
}

// SendText transmits an ASCII message within ctx. It is not queued.
func (e *Engine) SendText(ctx context.Context, text string) error {
	session := NewTransmissionSession(e.config.Session, e.modems, e.logger)
	_, err := session.TransmitText(ctx, text)
	return err
}

// Pending returns the number of queued payloads.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// MessageID returns the id the next message will carry.
func (e *Engine) MessageID() uint8 {
	return e.counter.Value()
}

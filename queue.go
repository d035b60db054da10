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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// Files inside a queue directory.
const (
	QueueListFile      = "queue.lst"
	MessageCounterFile = "msgid"
	payloadExt         = ".sbd"
)

// QueueRecord names one queued payload file inside the queue directory.
type QueueRecord struct {
	ID string
}

// QueueOption configures an OutboundQueue.
type QueueOption func(*OutboundQueue)

// WithQueueLogger sets the logger used while loading and committing.
func WithQueueLogger(logger io.Writer) QueueOption {
	return func(q *OutboundQueue) { q.logger = logger }
}

// WithSensorTypeOffset sets where Load finds the sensor type in stored payloads.
func WithSensorTypeOffset(offset int) QueueOption {
	return func(q *OutboundQueue) { q.sensorOffset = offset }
}

// OutboundQueue is a durable LIFO of payloads awaiting transmission.
//
// The record list lives in queue.lst, one id per line with the newest last,
// and is replaced atomically on every change. Payload files are written
// before their id is listed and deleted after it is unlisted, so a crash at
// any point leaves either the old or the new list and never a listed id
// without its file.
type OutboundQueue struct {
	mu           sync.Mutex
	dir          string
	records      []QueueRecord
	sensorOffset int
	logger       io.Writer
}

// OpenQueue opens the queue stored in dir, creating dir if needed. A missing
// or empty list is an empty queue. Listed ids whose payload file is gone are
// dropped with a warning, and payload files the list does not name are
// deleted with a warning.
func OpenQueue(dir string, opts ...QueueOption) (*OutboundQueue, error) {
	q := &OutboundQueue{dir: dir, sensorOffset: DefaultSensorTypeOffset}
	for _, opt := range opts {
		opt(q)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sbd: queue: %w", err)
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	if err := q.sweep(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *OutboundQueue) load() error {
	f, err := os.Open(q.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sbd: queue: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	skipped := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		if seen[id] {
			logf(q.logger, "WARNING: sbd: queue: duplicate record %s ignored", id)
			skipped++
			continue
		}
		if _, err := os.Stat(filepath.Join(q.dir, id)); err != nil {
			logf(q.logger, "WARNING: sbd: queue: record %s has no payload file, skipped: %v", id, err)
			skipped++
			continue
		}
		seen[id] = true
		q.records = append(q.records, QueueRecord{ID: id})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("sbd: queue: read %s: %w", q.Path(), err)
	}
	if skipped > 0 {
		if err := q.persist(q.records); err != nil {
			return err
		}
	}
	logf(q.logger, "INFO: sbd: queue: loaded %d records from %s", len(q.records), q.dir)
	return nil
}

// sweep deletes payload files left by a crash between writing a payload and
// listing it, or between unlisting a record and deleting its file.
func (q *OutboundQueue) sweep() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("sbd: queue: %w", err)
	}
	listed := make(map[string]bool, len(q.records))
	for _, rec := range q.records {
		listed[rec.ID] = true
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasSuffix(name, payloadExt) || strings.HasPrefix(name, ".") || listed[name] {
			continue
		}
		if err := os.Remove(filepath.Join(q.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logf(q.logger, "WARNING: sbd: queue: cannot remove unlisted payload %s: %v", name, err)
			continue
		}
		logf(q.logger, "WARNING: sbd: queue: removed unlisted payload %s", name)
	}
	return nil
}

// Path returns the location of the record list.
func (q *OutboundQueue) Path() string {
	return filepath.Join(q.dir, QueueListFile)
}

// Dir returns the queue directory.
func (q *OutboundQueue) Dir() string {
	return q.dir
}

// Len returns the number of queued records.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Enqueue appends rec as the newest record. The record is durable when
// Enqueue returns nil.
func (q *OutboundQueue) Enqueue(rec QueueRecord) error {
	if err := validateRecordID(rec.ID); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	records := append(q.records[:len(q.records):len(q.records)], rec)
	if err := q.persist(records); err != nil {
		return err
	}
	q.records = records
	return nil
}

// EnqueuePayload stores p in its own file and enqueues it.
func (q *OutboundQueue) EnqueuePayload(p Payload) (QueueRecord, error) {
	rec, path := q.newRecord(p.SensorType)
	if err := renameio.WriteFile(path, p.Data, 0o644); err != nil {
		return QueueRecord{}, fmt.Errorf("sbd: queue: write payload: %w", err)
	}
	if err := q.Enqueue(rec); err != nil {
		os.Remove(path)
		return QueueRecord{}, err
	}
	logf(q.logger, "DEBUG: sbd: queue: enqueued %s (%d bytes)", rec.ID, len(p.Data))
	return rec, nil
}

func (q *OutboundQueue) newRecord(sensor SensorType) (QueueRecord, string) {
	stamp := time.Now().UnixNano()
	for {
		id := fmt.Sprintf("%d-%d%s", stamp, uint8(sensor), payloadExt)
		path := filepath.Join(q.dir, id)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return QueueRecord{ID: id}, path
		}
		stamp++
	}
}

func validateRecordID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.ContainsAny(id, "\r\n") || id == QueueListFile || id == MessageCounterFile {
		return fmt.Errorf("%w: queue record id %q", ErrInvalidInput, id)
	}
	return nil
}

// SnapshotLIFO returns the queued records, newest first.
func (q *OutboundQueue) SnapshotLIFO() []QueueRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueRecord, len(q.records))
	for i, rec := range q.records {
		out[len(q.records)-1-i] = rec
	}
	return out
}

// Load reads the payload of rec and re-derives its sensor type.
func (q *OutboundQueue) Load(rec QueueRecord) (Payload, error) {
	data, err := os.ReadFile(filepath.Join(q.dir, rec.ID))
	if err != nil {
		return Payload{}, fmt.Errorf("sbd: queue: load %s: %w", rec.ID, err)
	}
	return PayloadFromBytes(data, q.sensorOffset)
}

// CommitRemoved removes the n newest records and then their payload files.
// It fails without removing anything if n exceeds Len.
func (q *OutboundQueue) CommitRemoved(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n < 0 || n > len(q.records) {
		return fmt.Errorf("%w: cannot remove %d of %d queued records", ErrInvalidInput, n, len(q.records))
	}
	if n == 0 {
		return nil
	}

	keep := q.records[:len(q.records)-n]
	removed := append([]QueueRecord(nil), q.records[len(q.records)-n:]...)
	if err := q.persist(keep); err != nil {
		return err
	}
	q.records = keep

	for _, rec := range removed {
		if err := os.Remove(filepath.Join(q.dir, rec.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logf(q.logger, "WARNING: sbd: queue: failed to delete %s: %v", rec.ID, err)
		}
	}
	return nil
}

// persist atomically replaces the record list with records.
func (q *OutboundQueue) persist(records []QueueRecord) error {
	t, err := renameio.NewPendingFile(q.Path(), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("sbd: queue: %w", err)
	}
	defer t.Cleanup()

	w := bufio.NewWriter(t)
	for _, rec := range records {
		if _, err := fmt.Fprintln(w, rec.ID); err != nil {
			return fmt.Errorf("sbd: queue: write %s: %w", q.Path(), err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("sbd: queue: write %s: %w", q.Path(), err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("sbd: queue: replace %s: %w", q.Path(), err)
	}
	return nil
}

package sbd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// MessageCounter is the persisted id stamped on every sub-packet of a
// message. It advances once per fully sent message and wraps 99 to 0.
type MessageCounter struct {
	mu    sync.Mutex
	path  string
	value uint8
}

// LoadMessageCounter reads the counter at path. A missing file starts at 0.
func LoadMessageCounter(path string) (*MessageCounter, error) {
	c := &MessageCounter{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sbd: message counter: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v < 0 || v > MaxMessageID {
		return nil, fmt.Errorf("sbd: message counter %s holds %q, want 0-%d", path, data, MaxMessageID)
	}
	c.value = uint8(v)
	return c, nil
}

// Value returns the id of the next message.
func (c *MessageCounter) Value() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Advance moves to the next id and persists it. The in-memory value only
// changes if the write succeeds.
func (c *MessageCounter) Advance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := NextMessageID(c.value)
	if err := renameio.WriteFile(c.path, []byte(strconv.Itoa(int(next))+"\n"), 0o644); err != nil {
		return fmt.Errorf("sbd: message counter: %w", err)
	}
	c.value = next
	return nil
}

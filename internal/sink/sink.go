// Package sink delivers measurement batches downstream. The boolean returned
// by Deliver feeds the protocol engine's acknowledgement decision: false
// leaves the batch on the device for the next cycle. Sinks must tolerate
// duplicate deliveries, since a crash between read and ack replays a batch.
package sink

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iotworks/blegw/internal/sensor"
)

// Sink receives measurement batches.
type Sink interface {
	// Deliver hands a batch downstream and reports whether it was accepted.
	Deliver(batch []sensor.Measurement) bool

	// Close flushes and releases the sink.
	Close() error
}

// JSONL writes one JSON object per measurement to an io.Writer. Safe for
// concurrent workers.
type JSONL struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *logrus.Logger
}

// NewJSONL creates a JSONL sink over w. If w is also an io.Closer it is
// closed by Close.
func NewJSONL(w io.Writer, logger *logrus.Logger) *JSONL {
	if logger == nil {
		logger = logrus.New()
	}
	s := &JSONL{w: w, logger: logger}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *JSONL) Deliver(batch []sensor.Measurement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	for _, m := range batch {
		if err := enc.Encode(m); err != nil {
			s.logger.WithField("error", err).Error("JSONL sink write failed, batch not accepted")
			return false
		}
	}
	return true
}

func (s *JSONL) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Func adapts a plain function to the Sink interface; handy in tests and for
// forwarding into in-process consumers.
type Func func(batch []sensor.Measurement) bool

func (f Func) Deliver(batch []sensor.Measurement) bool { return f(batch) }
func (f Func) Close() error                            { return nil }

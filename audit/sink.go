package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

type discard struct{}

func (discard) Write(context.Context, []Event) error { return nil }

// Discard drops every event.
var Discard Sink = discard{}

// --- JSONLSink ---

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink writes to w, or to os.Stdout when w is nil.
func NewJSONLSink(w io.Writer) *JSONLSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLSink{w: w}
}

// OpenJSONLFile appends to the file at path, creating it if needed.
func OpenJSONLFile(path string) (*JSONLSink, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, err
	}
	return NewJSONLSink(f), f, nil
}

// Write encodes events in order. It is safe for concurrent use.
func (s *JSONLSink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		if _, err := s.w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// --- MemorySink ---

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Events returns a copy of everything written so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByAction returns the events whose Action equals action.
func (s *MemorySink) ByAction(action string) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

// --- MultiSink ---

// MultiSink fans events out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, events []Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = (*JSONLSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = MultiSink(nil)
)

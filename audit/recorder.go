package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Recorder writes events to a Sink.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. A nil sink discards events.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = Discard
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// Immediate writes ev now, independent of any surrounding unit of work.
// Write failures are logged and returned; callers on a failure path usually
// ignore the returned error.
func (r *Recorder) Immediate(ctx context.Context, ev Event) error {
	ev.normalize(r.now())
	if err := r.sink.Write(ctx, []Event{ev}); err != nil {
		r.logger.Error("audit write failed", "action", ev.Action, "error", err)
		return fmt.Errorf("write audit event %s: %w", ev.Action, err)
	}
	return nil
}

// Begin starts a Unit whose events are written only on Commit.
func (r *Recorder) Begin() *Unit {
	return &Unit{r: r}
}

// ErrUnitClosed is returned when a Unit is used after Commit or Rollback.
var ErrUnitClosed = errors.New("audit unit already closed")

// Unit buffers events for one unit of work.
type Unit struct {
	r      *Recorder
	mu     sync.Mutex
	events []Event
	closed bool
}

// Record buffers ev until Commit.
func (u *Unit) Record(ev Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		u.r.logger.Warn("audit event recorded on closed unit", "action", ev.Action)
		return
	}
	ev.normalize(u.r.now())
	u.events = append(u.events, ev)
}

// Len reports how many events are buffered.
func (u *Unit) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.events)
}

// Commit writes the buffered events.
func (u *Unit) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrUnitClosed
	}
	u.closed = true
	events := u.events
	u.events = nil
	u.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	if err := u.r.sink.Write(ctx, events); err != nil {
		u.r.logger.Error("audit write failed", "events", len(events), "error", err)
		return fmt.Errorf("write %d audit events: %w", len(events), err)
	}
	return nil
}

// Rollback discards the buffered events. It is safe to call after Commit.
func (u *Unit) Rollback() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	u.events = nil
}

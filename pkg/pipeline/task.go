package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// task lifecycle states, tracked atomically so Cancel can race with
// completion without locks.
const (
	taskRunning int32 = iota
	taskCancelled
	taskFinished
)

// errCancelled stops stage work and chunk emission after Cancel.
var errCancelled = errors.New("pipeline task cancelled")

// errEmitStalled marks an emission that exceeded the bounded queue wait.
var errEmitStalled = errors.New("output queue full beyond emit timeout")

// Task is the cancellable unit representing transcribe → generate →
// synthesize for one finalized turn. Events() yields a finite sequence
// closed after the terminal event.
type Task struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc

	events    chan Event
	done      chan struct{}
	state     atomic.Int32
	nextIndex int

	emitTimeout time.Duration
	createdAt   time.Time
}

func newTask(parent context.Context, queueDepth int, emitTimeout time.Duration) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ID:          uuid.New().String(),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan Event, queueDepth),
		done:        make(chan struct{}),
		emitTimeout: emitTimeout,
		createdAt:   time.Now(),
	}
}

// Events returns the task's output sequence. The channel closes after
// the terminal event; chunk indices on it are strictly increasing.
func (t *Task) Events() <-chan Event {
	return t.events
}

// Done closes when the task has fully vacated: terminal event emitted,
// event channel closed, collaborator calls returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel requests cancellation. It returns true when the request took
// effect and false when the task had already finished — a late cancel is
// a deliberate no-op, not an error.
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(taskRunning, taskCancelled) {
		return false
	}
	t.cancel()
	return true
}

// Cancelled reports whether cancellation has taken effect.
func (t *Task) Cancelled() bool {
	return t.state.Load() == taskCancelled
}

// emit delivers one event downstream, suspending on the bounded queue.
// After cancellation no response chunk is ever emitted; a send stalled
// past emitTimeout reports errEmitStalled, which the coordinator treats
// as synthesis failure rather than growing memory without bound.
func (t *Task) emit(ev Event) error {
	if t.Cancelled() {
		return errCancelled
	}
	timer := time.NewTimer(t.emitTimeout)
	defer timer.Stop()
	select {
	case t.events <- ev:
		return nil
	case <-t.ctx.Done():
		return errCancelled
	case <-timer.C:
		return errEmitStalled
	}
}

// finish emits the terminal event, closes the sequence and releases the
// task context. A cancelled consumer may have stopped draining, so the
// terminal event of a cancelled task is best effort; all other terminals
// wait like a normal emission.
func (t *Task) finish(terminal Event) {
	if t.Cancelled() {
		select {
		case t.events <- terminal:
		default:
		}
	} else {
		timer := time.NewTimer(t.emitTimeout)
		select {
		case t.events <- terminal:
		case <-timer.C:
		}
		timer.Stop()
	}
	t.state.Store(taskFinished)
	close(t.events)
	t.cancel()
	close(t.done)
}

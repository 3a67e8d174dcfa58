// Package dispatch provides the single serialized execution context on which
// all consumer callbacks, attach and detach run.
//
// A Loop owns one goroutine (started by Run) that drains an unbounded FIFO of
// tasks. Post never blocks the caller, so producers on arbitrary goroutines can
// hand work to the loop at any rate.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned by Call and Run once the loop has been closed.
var ErrClosed = errors.New("dispatch: loop closed")

// Loop is a single-goroutine task queue.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	closed  bool
	running bool
	stopped chan struct{} // closed by Close

	owner atomic.Uint64 // id of the goroutine inside Run, 0 when not running
	log   *zap.Logger
}

// New creates a loop. Tasks are not executed until Run is called.
func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{log: log.Named("dispatch"), stopped: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post queues fn for execution on the loop goroutine. It reports false if the
// loop is closed and fn was discarded.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.cond.Signal()
	return true
}

const (
	callPending int32 = iota
	callStarted
	callAbandoned
)

// Call runs fn on the loop and waits for it to return. A nil result means fn
// ran; an error (ErrClosed or ctx.Err()) means it never will. If fn has
// already started when ctx ends or the loop closes, Call waits for it. Call
// must not be used from a task running on the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	var state atomic.Int32
	done := make(chan struct{})
	if !l.Post(func() {
		if !state.CompareAndSwap(callPending, callStarted) {
			return
		}
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}

	var err error
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-l.stopped:
		err = ErrClosed
	}
	if state.CompareAndSwap(callPending, callAbandoned) {
		return err
	}
	<-done
	return nil
}

// InDispatch reports whether the caller is a task running on the loop
// goroutine.
func (l *Loop) InDispatch() bool {
	owner := l.owner.Load()
	return owner != 0 && owner == goid()
}

var goroutinePrefix = []byte("goroutine ")

// goid returns the current goroutine's id, parsed from the stack header
// ("goroutine 42 [running]:"). It returns 0 if the header cannot be parsed.
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Run executes tasks in FIFO order until ctx is canceled or Close is called.
// Tasks still queued at that point are dropped. Run may be called once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.running {
		l.mu.Unlock()
		return errors.New("dispatch: loop already running")
	}
	l.running = true
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	l.owner.Store(goid())
	defer l.owner.Store(0)

	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			dropped := len(l.tasks)
			l.tasks = nil
			l.mu.Unlock()
			if dropped > 0 {
				l.log.Debug("loop stopped with queued tasks", zap.Int("dropped", dropped))
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		fn()
	}
}

// Close stops the loop. It is idempotent and safe for concurrent use.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.stopped)
	l.cond.Broadcast()
}

// Len returns the number of queued, not yet started tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

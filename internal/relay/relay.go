package relay

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Relay mediates between one transport and an optional consumer.
type Relay struct {
	dispatcher Dispatcher
	notifier   Notifier
	log        *zap.Logger

	// mu guards everything below except pending, which has its own lock and
	// is only touched with mu held.
	mu        sync.Mutex
	consumer  Consumer
	transport Transport
	connected bool
	closed    bool
	session   uint64
	abandoned uint64     // last session ended by Disconnect or Shutdown
	inflight  int        // scheduled deliveries and flushes not yet run
	late      eventQueue // filled by scheduled deliveries that found no consumer
	detached  eventQueue // filled by producers while no consumer is attached

	pending coalescer
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// WithNotifier sets the background notice presenter.
func WithNotifier(n Notifier) Option {
	return func(r *Relay) {
		if n != nil {
			r.notifier = n
		}
	}
}

// New creates a relay that delivers on d.
func New(d Dispatcher, opts ...Option) *Relay {
	r := &Relay{
		dispatcher: d,
		notifier:   nopNotifier{},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("relay")
	return r
}

// Connect opens t and starts a new session. If t cannot be opened the error
// is returned as *ConnectionError, reported once as a ConnectError event, and
// the relay stays disconnected.
func (r *Relay) Connect(t Transport) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	if r.connected {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	// Accept events before Open returns: the transport may report progress
	// from its own goroutine immediately.
	r.connected = true
	r.transport = t
	r.session++
	r.pending.reset()
	r.late.keepErrors()
	r.detached.keepErrors()
	session := r.session
	r.mu.Unlock()

	r.log.Info("connecting", zap.String("transport", t.Name()), zap.Uint64("session", session))
	if err := t.Open(r); err != nil {
		cerr := &ConnectionError{Transport: t.Name(), Err: err}
		r.log.Warn("open failed", zap.String("transport", t.Name()), zap.Error(err))
		r.HandleEvent(ConnectErrorEvent(cerr))
		r.endSession(session, true)
		return cerr
	}
	return nil
}

// Disconnect ends the session. Events arriving afterwards are discarded, and
// data or Connected events of the session that are still queued or scheduled
// are dropped. Errors already accepted are still delivered. It is idempotent.
func (r *Relay) Disconnect() {
	r.mu.Lock()
	r.abandonLocked()
	wasConnected, t := r.disconnectLocked()
	r.mu.Unlock()
	r.release(wasConnected, t)
}

// endSession disconnects only if session is still the current one, so a
// stale task cannot tear down a newer session.
func (r *Relay) endSession(session uint64, abandon bool) {
	r.mu.Lock()
	if session != r.session {
		r.mu.Unlock()
		return
	}
	if abandon {
		r.abandonLocked()
	}
	wasConnected, t := r.disconnectLocked()
	r.mu.Unlock()
	r.release(wasConnected, t)
}

func (r *Relay) abandonLocked() {
	r.abandoned = r.session
	r.pending.reset()
	r.late.keepErrors()
	r.detached.keepErrors()
}

// liveLocked reports whether non-error events of session may still reach
// the consumer. A forced disconnect after an error keeps the session live so
// that everything accepted before the error is delivered.
func (r *Relay) liveLocked(session uint64) bool {
	return session == r.session && session != r.abandoned
}

func (r *Relay) disconnectLocked() (bool, Transport) {
	wasConnected := r.connected
	r.connected = false
	t := r.transport
	r.transport = nil
	return wasConnected, t
}

func (r *Relay) release(wasConnected bool, t Transport) {
	r.notifier.CancelBackground()
	if t != nil {
		if err := t.Close(); err != nil {
			r.log.Debug("close transport", zap.String("transport", t.Name()), zap.Error(err))
		}
	}
	if wasConnected {
		r.log.Info("disconnected")
	}
}

// Write sends p over the current transport. A transport failure is reported
// asynchronously as an IoError event, not returned.
func (r *Relay) Write(p []byte) error {
	r.mu.Lock()
	if !r.connected || r.transport == nil {
		r.mu.Unlock()
		return &NotConnectedError{Op: "write"}
	}
	t := r.transport
	r.mu.Unlock()

	if err := t.Write(p); err != nil {
		r.HandleEvent(IoErrorEvent(fmt.Errorf("relay: write: %w", err)))
	}
	return nil
}

// HandleEvent accepts an inbound event from the transport. It never calls the
// consumer directly.
func (r *Relay) HandleEvent(ev Event) {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		r.log.Debug("dropped after disconnect", zap.Stringer("kind", ev.Kind))
		return
	}

	if ev.Kind == DataReady {
		ev.Data = nonEmpty(ev.Data)
		if len(ev.Data) == 0 {
			r.mu.Unlock()
			return
		}
		if r.consumer != nil {
			if r.pending.add(ev.Data) {
				session := r.session
				r.postLocked(func() { r.flush(session) })
			}
		} else {
			r.detached.pushData(ev.Data)
		}
		r.mu.Unlock()
		return
	}

	if r.consumer != nil {
		r.pending.seal()
		session := r.session
		r.postLocked(func() { r.deliver(ev, session) })
		r.mu.Unlock()
		return
	}

	r.detached.push(ev)
	if !ev.isError() {
		r.mu.Unlock()
		return
	}
	wasConnected, t := r.disconnectLocked()
	r.mu.Unlock()
	r.log.Warn("transport failed while detached", zap.Stringer("kind", ev.Kind), zap.Error(ev.Err))
	r.release(wasConnected, t)
}

func (r *Relay) postLocked(fn func()) {
	r.inflight++
	if !r.dispatcher.Post(fn) {
		r.inflight--
		r.log.Warn("dispatcher closed, delivery discarded")
	}
}

// deliver runs on the dispatch context for events scheduled while attached.
func (r *Relay) deliver(ev Event, session uint64) {
	r.mu.Lock()
	r.inflight--
	if !ev.isError() && !r.liveLocked(session) {
		r.mu.Unlock()
		return
	}
	c := r.consumer
	if c == nil {
		r.late.push(ev)
	}
	r.mu.Unlock()

	if c != nil {
		ev.deliver(c)
	}
	if ev.isError() {
		r.log.Warn("transport failed", zap.Stringer("kind", ev.Kind), zap.Error(ev.Err))
		r.endSession(session, false)
	}
}

// flush runs on the dispatch context and hands one coalesced batch on.
func (r *Relay) flush(session uint64) {
	r.mu.Lock()
	r.inflight--
	if !r.liveLocked(session) {
		r.mu.Unlock()
		return
	}
	batch := r.pending.drain()
	if len(batch) == 0 {
		r.mu.Unlock()
		return
	}
	c := r.consumer
	if c == nil {
		r.late.push(Event{Kind: DataReady, Data: batch})
	}
	r.mu.Unlock()

	if c != nil {
		c.OnDataReady(batch)
	}
}

// Attach installs c and replays everything queued while no consumer was
// attached, oldest first. It must run on the dispatch context.
//
// Entries in the detached queue are younger than any delivery still scheduled
// on the dispatch context, so while such deliveries are in flight the
// detached entries are handed to a task posted behind them.
func (r *Relay) Attach(c Consumer) {
	if !r.dispatcher.InDispatch() {
		panic(&ProtocolMisuseError{Op: "attach"})
	}
	r.notifier.CancelBackground()

	r.mu.Lock()
	r.consumer = c
	late := r.late.take()
	detached := r.detached.take()
	if r.inflight > 0 && len(detached) > 0 {
		held, session := detached, r.session
		detached = nil
		r.postLocked(func() { r.replayHeld(held, session) })
	}
	r.mu.Unlock()

	replay(c, late)
	replay(c, detached)
}

// replayHeld runs on the dispatch context behind the deliveries that were in
// flight when Attach took items out of the detached queue.
func (r *Relay) replayHeld(items []Event, session uint64) {
	r.mu.Lock()
	r.inflight--
	if r.closed {
		r.mu.Unlock()
		return
	}
	if !r.liveLocked(session) {
		items = errorsOnly(items)
	}
	c := r.consumer
	if c == nil {
		// Detached again in the meantime. Everything in the late queue is
		// older than items, everything scheduled after this task is younger.
		for _, ev := range items {
			r.late.push(ev)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	replay(c, items)
}

func replay(c Consumer, items []Event) {
	for _, ev := range items {
		ev.deliver(c)
	}
}

// Detach removes the consumer. Later events are queued until the next Attach.
// It must run on the dispatch context.
func (r *Relay) Detach() {
	if !r.dispatcher.InDispatch() {
		panic(&ProtocolMisuseError{Op: "detach"})
	}
	r.mu.Lock()
	r.consumer = nil
	// Fragments after this point go to the detached queue; the pending flush
	// must not pick up anything accepted after a later Attach.
	r.pending.seal()
	var name string
	if r.connected && r.transport != nil {
		name = r.transport.Name()
	}
	connected := r.connected
	r.mu.Unlock()

	if connected {
		r.notifier.ShowBackground(name)
	}
}

// Shutdown ends the relay for good: it disconnects, forgets the consumer and
// discards everything queued. Connect fails afterwards.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	wasConnected, t := r.disconnectLocked()
	r.closed = true
	r.consumer = nil
	r.abandoned = r.session
	r.session++
	r.pending.reset()
	r.late.take()
	r.detached.take()
	r.mu.Unlock()
	r.release(wasConnected, t)
}

// Connected reports whether a session is active.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Pending returns the number of entries in the late-scheduled and detached
// queues, and the number of fragments buffered for a flush.
func (r *Relay) Pending() (late, detached, buffered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.late.len(), r.detached.len(), r.pending.len()
}

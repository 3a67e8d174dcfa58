// Package relay decouples a background serial connection from a foreground
// consumer that attaches and detaches at will.
//
// Transports push events into the Relay from their own goroutines. The Relay
// hands every event to the attached Consumer on the dispatch context, or keeps
// it queued while no consumer is attached and replays it on the next Attach.
// Inbound data arriving faster than the dispatch context drains it is merged
// into batches, one OnDataReady per burst.
//
// Thread-safety: Connect, Disconnect, Write, HandleEvent and Shutdown are safe
// for concurrent use. Attach and Detach must only be called from a task running
// on the Dispatcher; violations panic with *ProtocolMisuseError when detected.
package relay

// Sink receives inbound events from a transport. Implementations must not
// block.
type Sink interface {
	HandleEvent(ev Event)
}

// Transport is a byte-stream connection driven by the relay.
type Transport interface {
	// Open starts the connection and reports its progress to sink:
	// Connected or ConnectError once, then DataReady per received fragment
	// and IoError when the stream fails. A non-nil return means the
	// connection could not be started at all.
	Open(sink Sink) error

	// Write sends p. Failures are reported to the caller; the relay turns
	// them into IoError events.
	Write(p []byte) error

	// Close releases the connection. It must be safe to call more than once
	// and after a failed Open.
	Close() error

	// Name is a human-readable label for logs and the background notice.
	Name() string
}

// Consumer receives events on the dispatch context.
type Consumer interface {
	OnConnected()
	OnConnectError(err error)
	OnDataReady(batch [][]byte)
	OnIoError(err error)
}

// Dispatcher is the single serialized execution context.
type Dispatcher interface {
	// Post queues fn to run on the dispatch context and reports whether it
	// was accepted. It must not block.
	Post(fn func()) bool

	// InDispatch reports whether the caller runs on the dispatch context.
	InDispatch() bool
}

// Notifier presents a notice while a connection runs without a consumer.
type Notifier interface {
	ShowBackground(name string)
	CancelBackground()
}

type nopNotifier struct{}

func (nopNotifier) ShowBackground(string) {}
func (nopNotifier) CancelBackground()     {}

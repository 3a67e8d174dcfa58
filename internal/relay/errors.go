package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected matches every *NotConnectedError.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrAlreadyConnected is returned by Connect while a session is active.
	ErrAlreadyConnected = errors.New("relay: already connected")

	// ErrShutdown is returned by Connect after Shutdown.
	ErrShutdown = errors.New("relay: shut down")
)

// ConnectionError reports that a transport could not be opened.
type ConnectionError struct {
	Transport string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay: open %s: %v", e.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotConnectedError is returned by Write when no session is active.
type NotConnectedError struct {
	Op string
}

func (e *NotConnectedError) Error() string {
	return "relay: " + e.Op + ": not connected"
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// ProtocolMisuseError is the panic value raised when Attach or Detach is
// called outside the dispatch context.
type ProtocolMisuseError struct {
	Op string
}

func (e *ProtocolMisuseError) Error() string {
	return "relay: " + e.Op + " called outside the dispatch context"
}

// Package rfcomm implements relay.Transport over an RFCOMM socket FD, as
// handed out by connmgr for SPP connections.
package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-chat/internal/relay"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadSize       = 1024
)

var (
	ErrNotOpen = errors.New("rfcomm: not open")
	ErrClosed  = errors.New("rfcomm: closed")
)

// DialFunc establishes the connection and returns a socket FD whose ownership
// passes to the transport.
type DialFunc func(ctx context.Context) (fd int, err error)

// Transport is a serial byte stream over one RFCOMM socket.
type Transport struct {
	name     string
	dial     DialFunc
	timeout  time.Duration
	readSize int
	log      *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	file   *os.File
	fd     int
	opened bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

var _ relay.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithConnectTimeout bounds the dial step.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithReadSize sets the read buffer size, which is the largest fragment a
// single DataReady event carries.
func WithReadSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readSize = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// New returns a transport that connects with dial when opened.
func New(name string, dial DialFunc, opts ...Option) *Transport {
	t := &Transport{
		name:     name,
		dial:     dial,
		timeout:  DefaultConnectTimeout,
		readSize: DefaultReadSize,
		log:      zap.NewNop(),
		fd:       -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("rfcomm").With(zap.String("device", name))
	return t
}

func (t *Transport) Name() string { return t.name }

// Open starts connecting in the background. Progress is reported to sink.
// A Transport can be opened once.
func (t *Transport) Open(sink relay.Sink) error {
	if t.dial == nil {
		return errors.New("rfcomm: no dialer")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.opened {
		return errors.New("rfcomm: already opened")
	}
	t.opened = true
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, sink)
	return nil
}

func (t *Transport) run(ctx context.Context, sink relay.Sink) {
	defer close(t.done)

	fd, err := t.dial(ctx)
	t.mu.Lock()
	t.cancel()
	if err != nil {
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			sink.HandleEvent(relay.ConnectErrorEvent(fmt.Errorf("rfcomm: connect %s: %w", t.name, err)))
		}
		return
	}
	f := os.NewFile(uintptr(fd), "rfcomm")
	if t.closed {
		t.mu.Unlock()
		_ = f.Close()
		return
	}
	t.file, t.fd = f, fd
	t.mu.Unlock()

	t.log.Debug("connected", zap.Int("fd", fd))
	sink.HandleEvent(relay.ConnectedEvent())

	buf := make([]byte, t.readSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			sink.HandleEvent(relay.DataEvent(p))
		}
		if err != nil {
			if !t.isClosed() {
				sink.HandleEvent(relay.IoErrorEvent(fmt.Errorf("rfcomm: read: %w", err)))
			}
			return
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Write sends all of p.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	f, closed := t.file, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if f == nil {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := f.Write(p); err != nil {
		return fmt.Errorf("rfcomm: write: %w", err)
	}
	return nil
}

// Close cancels a pending dial and shuts the socket down. Errors seen by the
// reader after Close are not reported. Close may run on the reader goroutine
// itself (a sink that disconnects on error), so it does not wait for the
// reader; use Done for that. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	f, fd, cancel := t.file, t.fd, t.cancel
	t.file = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if f != nil {
		// A blocking read is not interrupted by closing the FD alone.
		if serr := unix.Shutdown(fd, unix.SHUT_RDWR); serr != nil && !errors.Is(serr, unix.ENOTCONN) {
			err = multierr.Append(err, fmt.Errorf("rfcomm: shutdown: %w", serr))
		}
		err = multierr.Append(err, f.Close())
	}
	t.log.Debug("closed")
	return err
}

// Done is closed when the background goroutine started by Open has exited.
// It returns nil before Open.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

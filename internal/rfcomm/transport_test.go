package rfcomm

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"bluetooth-chat/internal/relay"
)

type chanSink chan relay.Event

func (s chanSink) HandleEvent(ev relay.Event) { s <- ev }

func (s chanSink) next(t *testing.T) relay.Event {
	t.Helper()
	select {
	case ev := <-s:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return relay.Event{}
	}
}

// socketPair stands in for an RFCOMM connection: the transport gets one end
// as its FD, the test drives the other.
func socketPair(t *testing.T) (int, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], os.NewFile(uintptr(fds[1]), "peer")
}

func waitDone(t *testing.T, tr *Transport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not exit")
	}
}

func TestTransportReadWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	fd, peer := socketPair(t)
	defer peer.Close()

	tr := New("dev", func(context.Context) (int, error) { return fd, nil })
	sink := make(chanSink, 64)
	require.NoError(t, tr.Open(sink))
	require.Equal(t, relay.Connected, sink.next(t).Kind)

	_, err := peer.Write([]byte("hello"))
	require.NoError(t, err)

	var got []byte
	for len(got) < len("hello") {
		ev := sink.next(t)
		require.Equal(t, relay.DataReady, ev.Kind)
		for _, b := range ev.Data {
			got = append(got, b...)
		}
	}
	require.Equal(t, "hello", string(got))

	require.NoError(t, tr.Write([]byte("world")))
	buf := make([]byte, 5)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	require.NoError(t, peer.Close())
	ev := sink.next(t)
	require.Equal(t, relay.IoError, ev.Kind)
	require.ErrorIs(t, ev.Err, io.EOF)

	waitDone(t, tr)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Write([]byte("x")), ErrClosed)
}

func TestTransportReadSizeBoundsFragments(t *testing.T) {
	defer goleak.VerifyNone(t)

	fd, peer := socketPair(t)
	defer peer.Close()

	tr := New("dev", func(context.Context) (int, error) { return fd, nil }, WithReadSize(4))
	sink := make(chanSink, 64)
	require.NoError(t, tr.Open(sink))
	require.Equal(t, relay.Connected, sink.next(t).Kind)

	_, err := peer.Write([]byte("0123456789"))
	require.NoError(t, err)

	var total int
	for total < 10 {
		ev := sink.next(t)
		require.Len(t, ev.Data, 1)
		require.LessOrEqual(t, len(ev.Data[0]), 4)
		total += len(ev.Data[0])
	}

	require.NoError(t, tr.Close())
	waitDone(t, tr)
}

func TestTransportDialFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	refused := errors.New("refused")
	tr := New("dev", func(context.Context) (int, error) { return -1, refused })
	sink := make(chanSink, 4)
	require.NoError(t, tr.Open(sink))

	ev := sink.next(t)
	require.Equal(t, relay.ConnectError, ev.Kind)
	require.ErrorIs(t, ev.Err, refused)

	waitDone(t, tr)
	require.ErrorIs(t, tr.Write([]byte("x")), ErrNotOpen)
	require.NoError(t, tr.Close())
}

func TestTransportCloseSuppressesReaderError(t *testing.T) {
	defer goleak.VerifyNone(t)

	fd, peer := socketPair(t)
	defer peer.Close()

	tr := New("dev", func(context.Context) (int, error) { return fd, nil })
	sink := make(chanSink, 4)
	require.NoError(t, tr.Open(sink))
	require.Equal(t, relay.Connected, sink.next(t).Kind)

	require.NoError(t, tr.Close())
	waitDone(t, tr)
	require.Empty(t, sink)
}

func TestTransportCloseCancelsDial(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	tr := New("dev", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return -1, ctx.Err()
	})
	sink := make(chanSink, 4)
	require.NoError(t, tr.Open(sink))
	<-started

	require.NoError(t, tr.Close())
	waitDone(t, tr)
	require.Empty(t, sink)
}

func TestTransportDialTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := New("dev", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return -1, ctx.Err()
	}, WithConnectTimeout(10*time.Millisecond))
	sink := make(chanSink, 4)
	require.NoError(t, tr.Open(sink))

	ev := sink.next(t)
	require.Equal(t, relay.ConnectError, ev.Kind)
	require.ErrorIs(t, ev.Err, context.DeadlineExceeded)
	waitDone(t, tr)
}

func TestTransportOpenRules(t *testing.T) {
	tr := New("dev", nil)
	require.Error(t, tr.Open(make(chanSink, 1)))
	require.Nil(t, tr.Done())

	closed := New("dev", func(context.Context) (int, error) { return -1, errors.New("unused") })
	require.NoError(t, closed.Close())
	require.ErrorIs(t, closed.Open(make(chanSink, 1)), ErrClosed)
}

func TestTransportWithRelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	fd, peer := socketPair(t)
	defer peer.Close()

	d := &inlineDispatcher{}
	r := relay.New(d)
	tr := New("dev", func(context.Context) (int, error) { return fd, nil })
	require.NoError(t, r.Connect(tr))

	require.Eventually(t, func() bool {
		_, detached, _ := r.Pending()
		return detached == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, peer.Close())
	waitDone(t, tr)
	require.False(t, r.Connected())

	c := &collect{}
	d.run(func() { r.Attach(c) })
	require.Equal(t, []relay.Kind{relay.Connected, relay.IoError}, c.kinds)
}

// inlineDispatcher runs the relay's scheduled work only through run.
type inlineDispatcher struct {
	tasks  []func()
	inside bool
}

func (d *inlineDispatcher) Post(fn func()) bool { d.tasks = append(d.tasks, fn); return true }
func (d *inlineDispatcher) InDispatch() bool    { return d.inside }

func (d *inlineDispatcher) run(fn func()) {
	d.inside = true
	defer func() { d.inside = false }()
	fn()
}

type collect struct{ kinds []relay.Kind }

func (c *collect) OnConnected()         { c.kinds = append(c.kinds, relay.Connected) }
func (c *collect) OnConnectError(error) { c.kinds = append(c.kinds, relay.ConnectError) }
func (c *collect) OnDataReady([][]byte) { c.kinds = append(c.kinds, relay.DataReady) }
func (c *collect) OnIoError(error)      { c.kinds = append(c.kinds, relay.IoError) }

package relay

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bluetooth-chat/internal/dispatch"
)

type streamConsumer struct {
	mu        sync.Mutex
	sb        strings.Builder
	connected int
}

func (c *streamConsumer) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected++
}

func (c *streamConsumer) OnConnectError(error) {}
func (c *streamConsumer) OnIoError(error)      {}

func (c *streamConsumer) OnDataReady(batch [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range batch {
		c.sb.Write(b)
	}
}

func (c *streamConsumer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sb.String()
}

func TestRelayOrderUnderAttachDetachChurn(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := dispatch.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	r := New(loop)
	require.NoError(t, r.Connect(&fakeTransport{name: "dev"}))
	c := &streamConsumer{}

	const n = 5000
	var want strings.Builder
	for i := 0; i < n; i++ {
		want.WriteString(strconv.Itoa(i))
		want.WriteByte(';')
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.HandleEvent(ConnectedEvent())
		for i := 0; i < n; i++ {
			r.HandleEvent(DataEvent([]byte(strconv.Itoa(i) + ";")))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			require.NoError(t, loop.Call(ctx, func() { r.Attach(c) }))
			require.NoError(t, loop.Call(ctx, r.Detach))
		}
	}()
	wg.Wait()

	require.NoError(t, loop.Call(ctx, func() { r.Attach(c) }))
	require.Eventually(t, func() bool {
		return len(c.String()) == want.Len()
	}, 5*time.Second, time.Millisecond)

	require.Equal(t, want.String(), c.String())
	c.mu.Lock()
	require.Equal(t, 1, c.connected)
	c.mu.Unlock()

	late, detached, buffered := r.Pending()
	require.Zero(t, late+detached+buffered)
	r.Shutdown()
}

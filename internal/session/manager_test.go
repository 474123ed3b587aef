package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/engine/internal/protocol"
)

type fakeConn struct {
	in     chan protocol.Envelope
	out    chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan protocol.Envelope, 16),
		out:    make(chan protocol.Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEnvelope() (protocol.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return protocol.Envelope{}, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteEnvelope(env protocol.Envelope) error {
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	fails int
	conns chan *fakeConn
	dials int
}

func newFakeTransport(fails int) *fakeTransport {
	return &fakeTransport{fails: fails, conns: make(chan *fakeConn, 8)}
}

func (t *fakeTransport) Dial(_ context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.fails > 0 {
		t.fails--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func testConfig() Config {
	return Config{BackoffBase: time.Millisecond, BackoffCap: 10 * time.Millisecond, MaxRetries: 3}
}

func waitConn(t *testing.T, tr *fakeTransport) *fakeConn {
	t.Helper()
	select {
	case c := <-tr.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitState(t *testing.T, m *Manager, want State) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-m.States():
			if change.To == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", want, m.State())
			return StateChange{}
		}
	}
}

func waitEnv(t *testing.T, ch chan protocol.Envelope, eventType string) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type == eventType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return protocol.Envelope{}
		}
	}
}

func TestConnects(t *testing.T) {
	tr := newFakeTransport(0)
	m := NewManager(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitConn(t, tr)
	waitState(t, m, StateConnected)
	assert.Equal(t, StateConnected, m.State())
}

func TestReconnectsAfterDialFailure(t *testing.T) {
	tr := newFakeTransport(2)
	m := NewManager(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	change := waitState(t, m, StateReconnecting)
	assert.Equal(t, 1, change.Attempt)
	waitState(t, m, StateConnected)
	assert.GreaterOrEqual(t, tr.dialCount(), 3)
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	tr := newFakeTransport(0)
	m := NewManager(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	first := waitConn(t, tr)
	waitState(t, m, StateConnected)

	first.Close()
	waitState(t, m, StateReconnecting)
	waitConn(t, tr)
	waitState(t, m, StateConnected)
}

func TestRetriesExhausted(t *testing.T) {
	tr := newFakeTransport(100)
	m := NewManager(tr, testConfig(), nil)

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, StateDisconnected, m.State())
	// Initial attempt plus the retry budget.
	assert.Equal(t, 4, tr.dialCount())
}

func TestSendWhileOfflineIsStagedNotSent(t *testing.T) {
	tr := newFakeTransport(0)
	m := NewManager(tr, testConfig(), nil)

	// Not running yet: intents are staged, not delivered.
	ok := m.Send(protocol.Envelope{Type: protocol.EventChatSend})
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	conn := waitConn(t, tr)
	waitState(t, m, StateConnected)

	// The staged intent was dropped on connect; nothing reaches the wire.
	select {
	case env := <-conn.out:
		t.Fatalf("unexpected frame %s", env.Type)
	case <-time.After(50 * time.Millisecond):
	}

	ok = m.Send(protocol.Envelope{Type: protocol.EventChatSend})
	assert.True(t, ok)
	waitEnv(t, conn.out, protocol.EventChatSend)
}

func TestInboundDelivery(t *testing.T) {
	tr := newFakeTransport(0)
	m := NewManager(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	conn := waitConn(t, tr)
	waitState(t, m, StateConnected)

	conn.in <- protocol.Envelope{Type: protocol.EventChatMessage, ChannelID: uuid.New(), Seq: 1}
	env := <-m.Inbound()
	assert.Equal(t, protocol.EventChatMessage, env.Type)
}

func TestSequenceGapRequestsResync(t *testing.T) {
	tr := newFakeTransport(0)
	m := NewManager(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	conn := waitConn(t, tr)
	waitState(t, m, StateConnected)

	channelID := uuid.New()
	conn.in <- protocol.Envelope{Type: protocol.EventOverlayDelta, ChannelID: channelID, Seq: 1}
	<-m.Inbound()
	conn.in <- protocol.Envelope{Type: protocol.EventOverlayDelta, ChannelID: channelID, Seq: 3}
	<-m.Inbound()

	resync := waitEnv(t, conn.out, protocol.EventStateResync)
	assert.Equal(t, channelID, resync.ChannelID)
}

func TestSnapshotRebaselinesSequence(t *testing.T) {
	tr := newFakeTransport(0)
	m := NewManager(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	conn := waitConn(t, tr)
	waitState(t, m, StateConnected)

	channelID := uuid.New()
	conn.in <- protocol.Envelope{Type: protocol.EventStateSnapshot, ChannelID: channelID, Seq: 7}
	<-m.Inbound()
	conn.in <- protocol.Envelope{Type: protocol.EventOverlayDelta, ChannelID: channelID, Seq: 8}
	<-m.Inbound()

	select {
	case env := <-conn.out:
		t.Fatalf("unexpected frame %s after contiguous sequence", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDegradedMode(t *testing.T) {
	tr := newFakeTransport(0)
	m := NewManager(tr, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitConn(t, tr)
	waitState(t, m, StateConnected)

	m.EnterDegraded()
	waitState(t, m, StateDegraded)
	assert.False(t, m.Send(protocol.Envelope{Type: protocol.EventChatSend}))

	dialsBefore := tr.dialCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dialsBefore, tr.dialCount(), "no redial while degraded")

	m.ExitDegraded()
	waitConn(t, tr)
	waitState(t, m, StateConnected)
}

func TestBackoffDoublingCapped(t *testing.T) {
	m := NewManager(newFakeTransport(0), Config{BackoffBase: 100 * time.Millisecond, BackoffCap: 500 * time.Millisecond, MaxRetries: 10}, nil)
	assert.Equal(t, 100*time.Millisecond, m.backoff(1))
	assert.Equal(t, 200*time.Millisecond, m.backoff(2))
	assert.Equal(t, 400*time.Millisecond, m.backoff(3))
	assert.Equal(t, 500*time.Millisecond, m.backoff(4))
	assert.Equal(t, 500*time.Millisecond, m.backoff(20))
}

// Package session implements the consumer-side connection lifecycle: an
// explicit state machine over a pluggable transport with heartbeat-driven
// reconnects, capped exponential backoff, and a local-only degraded mode. The
// embedding UI consumes emitted state changes and inbound envelopes; protocol
// correctness never depends on the rendering layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagecast/engine/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	// StateDegraded is local-only operation: the session keeps functioning but
	// exchanges nothing with the hub. Distinct from StateConnected so the hub
	// never double-delivers once the session returns.
	StateDegraded State = "degraded"
)

// Conn is one established transport connection.
type Conn interface {
	ReadEnvelope() (protocol.Envelope, error)
	WriteEnvelope(env protocol.Envelope) error
	Close() error
}

// Transport dials the broadcast hub.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config tunes reconnect behaviour.
type Config struct {
	// BackoffBase is the first retry delay; each attempt doubles it.
	BackoffBase time.Duration
	// BackoffCap bounds the delay growth.
	BackoffCap time.Duration
	// MaxRetries is the retry budget before the session goes Disconnected.
	MaxRetries int
}

func (c *Config) fill() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// StateChange is emitted on every lifecycle transition.
type StateChange struct {
	From    State
	To      State
	Attempt int
}

// ErrRetriesExhausted ends Run after the retry budget is spent.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// Manager owns one session's connection lifecycle.
type Manager struct {
	transport Transport
	cfg       Config
	logger    *zap.Logger

	states  chan StateChange
	inbound chan protocol.Envelope

	mu       sync.Mutex
	state    State
	degraded bool
	staged   []protocol.Envelope
	outbound chan protocol.Envelope
	resume   chan struct{}
	conn     Conn
	lastSeq  uint64
}

// NewManager creates a connection manager over the given transport.
func NewManager(transport Transport, cfg Config, logger *zap.Logger) *Manager {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		states:    make(chan StateChange, 16),
		inbound:   make(chan protocol.Envelope, 256),
		outbound:  make(chan protocol.Envelope, 64),
		state:     StateConnecting,
	}
}

// States emits lifecycle transitions for the embedding UI.
func (m *Manager) States() <-chan StateChange { return m.states }

// Inbound emits envelopes received from the hub.
func (m *Manager) Inbound() <-chan protocol.Envelope { return m.inbound }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		return StateDegraded
	}
	return m.state
}

func (m *Manager) setState(to State, attempt int) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	if from == to {
		return
	}
	select {
	case m.states <- StateChange{From: from, To: to, Attempt: attempt}:
	default:
		// listener is behind; state is still queryable via State()
	}
}

// Send hands an envelope to the transport. While degraded or between
// connections the intent is staged locally and dropped on the next successful
// connect: offline actions are not guaranteed to apply.
func (m *Manager) Send(env protocol.Envelope) bool {
	m.mu.Lock()
	if m.degraded || m.state != StateConnected {
		m.staged = append(m.staged, env)
		m.mu.Unlock()
		return false
	}
	out := m.outbound
	m.mu.Unlock()
	select {
	case out <- env:
		return true
	default:
		return false
	}
}

// EnterDegraded switches to local-only mode: the live connection is torn down
// and redialing pauses until ExitDegraded. Purely an availability decision for
// the embedding UI, not a correctness mechanism.
func (m *Manager) EnterDegraded() {
	m.mu.Lock()
	if m.degraded {
		m.mu.Unlock()
		return
	}
	m.degraded = true
	m.resume = make(chan struct{})
	conn := m.conn
	m.mu.Unlock()
	m.setState(StateDegraded, 0)
	if conn != nil {
		_ = conn.Close()
	}
}

// ExitDegraded resumes normal connection management.
func (m *Manager) ExitDegraded() {
	m.mu.Lock()
	if !m.degraded {
		m.mu.Unlock()
		return
	}
	m.degraded = false
	resume := m.resume
	m.resume = nil
	m.mu.Unlock()
	if resume != nil {
		close(resume)
	}
}

// Run drives the lifecycle until ctx is canceled, the retry budget is spent,
// or the session is shut down. It never blocks the rest of the system: all
// waiting happens on network I/O and backoff timers.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := m.waitIfDegraded(ctx); err != nil {
			m.setState(StateDisconnected, attempt)
			return err
		}

		conn, err := m.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected, attempt)
				return ctx.Err()
			}
			attempt++
			if attempt > m.cfg.MaxRetries {
				m.setState(StateDisconnected, attempt)
				return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt-1, err)
			}
			m.setState(StateReconnecting, attempt)
			if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
				m.setState(StateDisconnected, attempt)
				return err
			}
			continue
		}

		attempt = 0
		m.mu.Lock()
		// A fresh connection means a fresh join: the server resyncs us with a
		// full snapshot, and anything staged while offline is dropped.
		m.staged = nil
		m.lastSeq = 0
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateConnected, 0)

		err = m.pump(ctx, conn)
		_ = conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		if ctx.Err() != nil {
			m.setState(StateDisconnected, 0)
			return ctx.Err()
		}
		m.logger.Debug("connection lost", zap.Error(err))
		attempt = 1
		m.setState(StateReconnecting, attempt)
		if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
			m.setState(StateDisconnected, attempt)
			return err
		}
	}
}

func (m *Manager) waitIfDegraded(ctx context.Context) error {
	m.mu.Lock()
	resume := m.resume
	m.mu.Unlock()
	if resume == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resume:
		return nil
	}
}

// pump runs the read and write loops for one connection and returns the first
// transport error. Transport errors are never surfaced as application errors;
// they feed straight back into the reconnect loop.
func (m *Manager) pump(ctx context.Context, conn Conn) error {
	errCh := make(chan error, 2)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case env := <-m.outbound:
				if err := conn.WriteEnvelope(env); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	go func() {
		for {
			env, err := conn.ReadEnvelope()
			if err != nil {
				errCh <- err
				return
			}
			m.observe(env)
			select {
			case m.inbound <- env:
			case <-done:
				return
			}
		}
	}()

	return <-errCh
}

// observe tracks sequence numbers on inbound frames. A gap means frames were
// dropped somewhere; the remedy is a full resync request, never
// retransmission. Snapshots rebaseline the counter.
func (m *Manager) observe(env protocol.Envelope) {
	if env.Type == protocol.EventStateSnapshot {
		m.mu.Lock()
		m.lastSeq = env.Seq
		m.mu.Unlock()
		return
	}
	if env.Seq == 0 {
		return
	}
	m.mu.Lock()
	gap := m.lastSeq > 0 && env.Seq > m.lastSeq+1
	if env.Seq > m.lastSeq {
		m.lastSeq = env.Seq
	}
	out := m.outbound
	m.mu.Unlock()
	if gap {
		m.logger.Debug("sequence gap detected; requesting resync", zap.Uint64("seq", env.Seq))
		resync := protocol.Envelope{Type: protocol.EventStateResync, ChannelID: env.ChannelID, SentAt: time.Now().UTC()}
		select {
		case out <- resync:
		default:
		}
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase << (attempt - 1)
	if d > m.cfg.BackoffCap || d <= 0 {
		return m.cfg.BackoffCap
	}
	return d
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

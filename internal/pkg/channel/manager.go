package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

/*
 *  Owns the command channel to the robot: lazy creation, one connect attempt
 *  at a time, loss detection and recovery
 */

// Observer is told about state changes and command outcomes.  It is called
// with the manager lock held and must not call back into the manager.
type Observer interface {
	StateChanged(from, to State, t Transport)
	CommandDone(method string, t Transport, err error, d time.Duration)
}

type Options struct {
	// Revalidate asynchronously when the transport reports a loss
	RevalidateOnLoss bool

	// Per-transport bound on a connect attempt, zero for none
	AttemptTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		RevalidateOnLoss: true,
		AttemptTimeout:   15 * time.Second,
	}
}

type Manager struct {
	opts     Options
	observer Observer
	group    singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	dialers    []Dialer
	conns      map[Transport]roborock.Conn
	active     roborock.Conn
	activeKind Transport
	closed     bool
}

// NewManager takes dialers in preference order
func NewManager(opts Options, dialers ...Dialer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		state:   Disconnected,
		dialers: dialers,
		conns:   make(map[Transport]roborock.Conn),
	}
}

func (m *Manager) WithObserver(o Observer) *Manager {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transport is the kind of the active, or last active, connection
func (m *Manager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeKind
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	logging.Logger(nil).Debugf("command channel %s -> %s (%s)", from, to, m.activeKind)

	if m.observer != nil {
		m.observer.StateChanged(from, to, m.activeKind)
	}
}

// connFor returns the connection object for d, creating it on first use.
// Nothing is created once the manager is closed.
func (m *Manager) connFor(d Dialer) (roborock.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShutdown
	}

	kind := d.Transport()
	if conn, ok := m.conns[kind]; ok {
		return conn, nil
	}

	conn, err := d.NewConn()
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s connection", kind)
	}
	conn.OnConnectionLost(func(cause error) {
		m.connectionLost(conn, cause)
	})
	m.conns[kind] = conn

	return conn, nil
}

// EnsureConnected returns a live connection, connecting if needed.
// Concurrent callers share one attempt.
func (m *Manager) EnsureConnected(ctx context.Context) (roborock.Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if m.state == Connected && m.active != nil && m.active.IsConnected() {
		conn := m.active
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("connect", func() (interface{}, error) {
		return m.connect()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(roborock.Conn), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for connection")
	}
}

func (m *Manager) connect() (roborock.Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if m.state == Connected && m.active != nil {
		if m.active.IsConnected() {
			conn := m.active
			m.mu.Unlock()
			return conn, nil
		}
		// dropped without telling us
		m.setStateLocked(Lost)
	}
	m.setStateLocked(Connecting)
	dialers := append([]Dialer{}, m.dialers...)
	m.mu.Unlock()

	var lastErr error = errors.New("no transports configured")
	lastKind := Cloud

	for _, d := range dialers {
		lastKind = d.Transport()

		conn, err := m.connFor(d)
		if errors.Is(err, ErrShutdown) {
			return nil, err
		}
		if err == nil {
			err = m.dial(conn)
		}
		if err != nil {
			logging.Logger(nil).WithError(err).Warnf("%s channel unavailable", lastKind)
			lastErr = err
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			// Close ran while dialing
			_ = conn.Close()
			return nil, ErrShutdown
		}
		m.active = conn
		m.activeKind = lastKind
		m.setStateLocked(Connected)
		m.mu.Unlock()

		logging.Logger(nil).Infof("command channel connected over %s", lastKind)

		return conn, nil
	}

	m.mu.Lock()
	if !m.closed {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()

	return nil, ConnectError{Transport: lastKind, Err: lastErr}
}

func (m *Manager) dial(conn roborock.Conn) error {
	ctx := m.ctx
	if m.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.AttemptTimeout)
		defer cancel()
	}

	return conn.Connect(ctx)
}

// SendCommand issues one command over the active connection.  A failed
// command is never resubmitted.
func (m *Manager) SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	conn, err := m.EnsureConnected(ctx)
	if err != nil {
		if errors.Is(err, ErrShutdown) {
			return nil, err
		}
		return nil, NotConnectedError{Err: err}
	}

	m.mu.Lock()
	kind := m.activeKind
	m.mu.Unlock()

	start := time.Now()
	raw, err := conn.SendCommand(ctx, method, params)

	m.mu.Lock()
	if m.observer != nil {
		m.observer.CommandDone(method, kind, err, time.Since(start))
	}
	m.mu.Unlock()

	if errors.Is(err, roborock.ErrConnectionLost) || errors.Is(err, roborock.ErrNotConnected) {
		m.markLost(conn, err, false)
	}

	return raw, err
}

func (m *Manager) markLost(conn roborock.Conn, cause error, revalidate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.active != conn || m.state != Connected {
		return
	}
	m.setStateLocked(Lost)

	logging.Logger(nil).WithError(cause).Warnf("%s command channel lost", m.activeKind)

	if revalidate && m.opts.RevalidateOnLoss {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.revalidate()
		}()
	}
}

func (m *Manager) connectionLost(conn roborock.Conn, cause error) {
	m.markLost(conn, cause, true)
}

// OnConnectionLost reports a loss of the active connection
func (m *Manager) OnConnectionLost(cause error) {
	m.mu.Lock()
	conn := m.active
	m.mu.Unlock()

	if conn != nil {
		m.connectionLost(conn, cause)
	}
}

// revalidate adopts a self-healed link or reconnects
func (m *Manager) revalidate() {
	m.mu.Lock()
	if m.closed || m.state != Lost {
		m.mu.Unlock()
		return
	}
	if m.active != nil && m.active.IsConnected() {
		kind := m.activeKind
		m.setStateLocked(Connected)
		m.mu.Unlock()
		logging.Logger(nil).Infof("%s command channel recovered", kind)
		return
	}
	m.mu.Unlock()

	if _, err := m.EnsureConnected(m.ctx); err != nil {
		logging.Logger(nil).WithError(err).Warn("reconnecting command channel")
	}
}

// Prefer makes d the most preferred transport and switches to it.  On failure
// the current transport is kept and d is forgotten.
func (m *Manager) Prefer(ctx context.Context, d Dialer) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.mu.Unlock()

	kind := d.Transport()

	conn, err := m.connFor(d)
	if err == nil {
		err = conn.Connect(ctx)
	}
	if err != nil {
		m.mu.Lock()
		if conn != nil && conn != m.active {
			delete(m.conns, kind)
		} else {
			conn = nil
		}
		dialers := m.dialers[:0:0]
		for _, old := range m.dialers {
			if old.Transport() != kind {
				dialers = append(dialers, old)
			}
		}
		m.dialers = dialers
		m.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}

		logging.Logger(ctx).WithError(err).Warnf("%s channel unavailable, keeping %s", kind, m.Transport())
		return ConnectError{Transport: kind, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		_ = conn.Close()
		return ErrShutdown
	}

	dialers := []Dialer{d}
	for _, old := range m.dialers {
		if old.Transport() != kind {
			dialers = append(dialers, old)
		}
	}
	m.dialers = dialers

	if m.active != conn {
		prev := m.state
		m.active = conn
		m.activeKind = kind
		if prev == Connected {
			// report the switch
			m.state = Connecting
			if m.observer != nil {
				m.observer.StateChanged(prev, Connecting, kind)
			}
		}
		m.setStateLocked(Connected)
	}

	logging.Logger(ctx).Infof("command channel now prefers %s", kind)

	return nil
}

// Close releases every connection exactly once.  Later calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()

	conns := make([]roborock.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = map[Transport]roborock.Conn{}
	m.active = nil
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.wg.Wait()

	return firstErr
}

package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jake-scott/roborock-proxy/pkg/roborock"
	"github.com/pkg/errors"
)

type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	connectCalls int
	closeCalls   int
	connectErr   error
	sendErr      error
	gate         chan struct{}
	sent         []string
	onLost       func(error)
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connectCalls++
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.connected = false
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

func (c *fakeConn) SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, method)
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	return json.RawMessage(`["ok"]`), nil
}

// drop simulates the transport going away, optionally healing at once
func (c *fakeConn) drop(stayConnected bool) {
	c.mu.Lock()
	c.connected = stayConnected
	fn := c.onLost
	c.mu.Unlock()

	fn(errors.New("link down"))
}

func (c *fakeConn) counts() (connects, closes, sent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls, c.closeCalls, len(c.sent)
}

type countingDialer struct {
	kind  Transport
	conn  *fakeConn
	calls int32
	err   error
}

func (d *countingDialer) Transport() Transport {
	return d.kind
}

func (d *countingDialer) NewConn() (roborock.Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type transition struct {
	from, to State
}

type recorder struct {
	mu          sync.Mutex
	transitions []transition
	commands    []string
}

func (r *recorder) StateChanged(from, to State, t Transport) {
	r.mu.Lock()
	r.transitions = append(r.transitions, transition{from, to})
	r.mu.Unlock()
}

func (r *recorder) CommandDone(method string, t Transport, err error, d time.Duration) {
	r.mu.Lock()
	r.commands = append(r.commands, method)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition{}, r.transitions...)
}

func noRevalidate() Options {
	return Options{AttemptTimeout: 5 * time.Second}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConcurrentEnsureConnectedSharesOneAttempt(t *testing.T) {
	conn := &fakeConn{gate: make(chan struct{})}
	d := &countingDialer{kind: Cloud, conn: conn}
	m := NewManager(noRevalidate(), d)
	defer m.Close()

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.EnsureConnected(context.Background())
			if err == nil && c != roborock.Conn(conn) {
				err = errors.New("got a different connection")
			}
			results <- err
		}()
	}

	waitFor(t, "connect attempt", func() bool { n, _, _ := conn.counts(); return n == 1 })
	if s := m.State(); s != Connecting {
		t.Errorf("state during attempt = %s, want connecting", s)
	}
	close(conn.gate)
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Errorf("caller failed: %s", err)
		}
	}
	if n, _, _ := conn.counts(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&d.calls); n != 1 {
		t.Errorf("connection created %d times, want 1", n)
	}
	if s := m.State(); s != Connected {
		t.Errorf("state = %s, want connected", s)
	}
}

func TestConcurrentEnsureConnectedSharesFailure(t *testing.T) {
	conn := &fakeConn{gate: make(chan struct{}), connectErr: errors.New("broker refused")}
	m := NewManager(noRevalidate(), &countingDialer{kind: Cloud, conn: conn})
	defer m.Close()

	const callers = 10
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := m.EnsureConnected(context.Background())
			errs <- err
		}()
	}

	waitFor(t, "connect attempt", func() bool { n, _, _ := conn.counts(); return n == 1 })
	// let every caller join the in-flight attempt
	time.Sleep(20 * time.Millisecond)
	close(conn.gate)

	for i := 0; i < callers; i++ {
		err := <-errs
		var cerr ConnectError
		if !errors.As(err, &cerr) || cerr.Transport != Cloud {
			t.Errorf("err = %v, want cloud ConnectError", err)
		}
	}
	if n, _, _ := conn.counts(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
	if s := m.State(); s != Disconnected {
		t.Errorf("state = %s, want disconnected", s)
	}
}

func TestLossThenNextSendReconnects(t *testing.T) {
	conn := &fakeConn{}
	d := &countingDialer{kind: Local, conn: conn}
	rec := &recorder{}
	m := NewManager(noRevalidate(), d).WithObserver(rec)
	defer m.Close()

	ctx := context.Background()
	if _, err := m.SendCommand(ctx, roborock.CmdGetStatus, nil); err != nil {
		t.Fatalf("first send: %s", err)
	}

	conn.drop(false)
	if s := m.State(); s != Lost {
		t.Fatalf("state after loss = %s, want lost", s)
	}

	if _, err := m.SendCommand(ctx, roborock.CmdGetStatus, nil); err != nil {
		t.Fatalf("send after loss: %s", err)
	}

	want := []transition{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connected, Lost},
		{Lost, Connecting},
		{Connecting, Connected},
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}

	if n := atomic.LoadInt32(&d.calls); n != 1 {
		t.Errorf("connection created %d times, want 1", n)
	}
	if n, _, sent := conn.counts(); n != 2 || sent != 2 {
		t.Errorf("connects = %d sent = %d, want 2 and 2", n, sent)
	}
}

func TestSendReportingLossMarksLostWithoutResubmit(t *testing.T) {
	conn := &fakeConn{}
	m := NewManager(noRevalidate(), &countingDialer{kind: Cloud, conn: conn})
	defer m.Close()

	if _, err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn.mu.Lock()
	conn.sendErr = errors.Wrap(roborock.ErrConnectionLost, "read tcp: reset")
	conn.mu.Unlock()

	_, err := m.SendCommand(context.Background(), roborock.CmdAppStop, nil)
	if !errors.Is(err, roborock.ErrConnectionLost) {
		t.Fatalf("err = %v", err)
	}
	if s := m.State(); s != Lost {
		t.Errorf("state = %s, want lost", s)
	}
	if _, _, sent := conn.counts(); sent != 1 {
		t.Errorf("command sent %d times, want 1", sent)
	}
}

func TestDeviceErrorKeepsChannel(t *testing.T) {
	conn := &fakeConn{sendErr: roborock.DeviceError{Method: "app_stop", Code: -1, Message: "busy"}}
	m := NewManager(noRevalidate(), &countingDialer{kind: Cloud, conn: conn})
	defer m.Close()

	if _, err := m.SendCommand(context.Background(), roborock.CmdAppStop, nil); err == nil {
		t.Fatal("expected device error")
	}
	if s := m.State(); s != Connected {
		t.Errorf("state = %s, want connected", s)
	}
}

func TestRevalidateAdoptsSelfHealedLink(t *testing.T) {
	conn := &fakeConn{}
	m := NewManager(Options{RevalidateOnLoss: true}, &countingDialer{kind: Cloud, conn: conn})
	defer m.Close()

	if _, err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn.drop(true)

	waitFor(t, "recovery", func() bool { return m.State() == Connected })
	if n, _, _ := conn.counts(); n != 1 {
		t.Errorf("Connect called %d times, want 1 (no reconnect)", n)
	}
}

func TestRevalidateReconnects(t *testing.T) {
	conn := &fakeConn{}
	m := NewManager(Options{RevalidateOnLoss: true}, &countingDialer{kind: Cloud, conn: conn})
	defer m.Close()

	if _, err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn.drop(false)

	waitFor(t, "reconnect", func() bool { n, _, _ := conn.counts(); return n == 2 && m.State() == Connected })
}

func TestFallbackToCloud(t *testing.T) {
	local := &fakeConn{connectErr: errors.New("connection refused")}
	cloud := &fakeConn{}
	m := NewManager(noRevalidate(),
		&countingDialer{kind: Local, conn: local},
		&countingDialer{kind: Cloud, conn: cloud},
	)
	defer m.Close()

	if _, err := m.SendCommand(context.Background(), roborock.CmdGetStatus, nil); err != nil {
		t.Fatalf("SendCommand: %s", err)
	}
	if tr := m.Transport(); tr != Cloud {
		t.Errorf("transport = %s, want cloud", tr)
	}
	if _, _, sent := cloud.counts(); sent != 1 {
		t.Errorf("cloud sent %d commands", sent)
	}
}

func TestSendWhenNoTransportWorks(t *testing.T) {
	m := NewManager(noRevalidate(), &countingDialer{kind: Cloud, err: errors.New("no credentials")})
	defer m.Close()

	_, err := m.SendCommand(context.Background(), roborock.CmdAppStop, nil)

	var nerr NotConnectedError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want NotConnectedError", err)
	}
	var cerr ConnectError
	if !errors.As(err, &cerr) {
		t.Errorf("NotConnectedError does not carry the ConnectError")
	}
}

func TestPreferLocal(t *testing.T) {
	cloud := &fakeConn{}
	m := NewManager(noRevalidate(), &countingDialer{kind: Cloud, conn: cloud})
	defer m.Close()

	ctx := context.Background()
	if _, err := m.EnsureConnected(ctx); err != nil {
		t.Fatal(err)
	}

	// an unreachable local transport leaves the cloud in place
	bad := &fakeConn{connectErr: errors.New("no route to host")}
	if err := m.Prefer(ctx, &countingDialer{kind: Local, conn: bad}); err == nil {
		t.Fatal("Prefer succeeded with an unreachable transport")
	}
	if tr := m.Transport(); tr != Cloud || m.State() != Connected {
		t.Errorf("after failed Prefer: %s/%s", tr, m.State())
	}

	local := &fakeConn{}
	if err := m.Prefer(ctx, &countingDialer{kind: Local, conn: local}); err != nil {
		t.Fatalf("Prefer: %s", err)
	}
	if tr := m.Transport(); tr != Local {
		t.Errorf("transport = %s, want local", tr)
	}

	if _, err := m.SendCommand(ctx, roborock.CmdAppStop, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, sent := local.counts(); sent != 1 {
		t.Errorf("local sent %d commands, want 1", sent)
	}
}

func TestCloseNeverConnected(t *testing.T) {
	d := &countingDialer{kind: Cloud, conn: &fakeConn{}}
	m := NewManager(noRevalidate(), d)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %s", err)
	}
	if n := atomic.LoadInt32(&d.calls); n != 0 {
		t.Errorf("Close created a connection")
	}
}

func TestCloseReleasesOnce(t *testing.T) {
	conn := &fakeConn{}
	m := NewManager(noRevalidate(), &countingDialer{kind: Cloud, conn: conn})

	if _, err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}

	_ = m.Close()
	_ = m.Close()

	if _, closes, _ := conn.counts(); closes != 1 {
		t.Errorf("connection closed %d times, want 1", closes)
	}
	if s := m.State(); s != Disconnected {
		t.Errorf("state = %s, want disconnected", s)
	}
	if _, err := m.SendCommand(context.Background(), roborock.CmdAppStop, nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("send after Close: err = %v, want ErrShutdown", err)
	}
}

func TestCloseDuringConnectCreatesNothingNew(t *testing.T) {
	local := &countingDialer{kind: Local, conn: &fakeConn{gate: make(chan struct{})}}
	cloud := &countingDialer{kind: Cloud, conn: &fakeConn{}}
	m := NewManager(noRevalidate(), local, cloud)

	result := make(chan error, 1)
	go func() {
		_, err := m.EnsureConnected(context.Background())
		result <- err
	}()

	// the local attempt is blocked on its gate
	waitFor(t, "local connect attempt", func() bool {
		connects, _, _ := local.conn.counts()
		return connects == 1
	})

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrShutdown) {
			t.Errorf("EnsureConnected: err = %v, want ErrShutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect attempt did not stop")
	}

	if n := atomic.LoadInt32(&cloud.calls); n != 0 {
		t.Errorf("cloud connection created after Close")
	}
	if connects, _, _ := cloud.conn.counts(); connects != 0 {
		t.Errorf("cloud connection dialed after Close")
	}
	if _, err := m.connFor(cloud); !errors.Is(err, ErrShutdown) {
		t.Errorf("connFor after Close: err = %v, want ErrShutdown", err)
	}
}

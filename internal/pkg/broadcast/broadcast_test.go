package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jake-scott/roborock-proxy/pkg/roborock"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSource) GetProperties(ctx context.Context) (*roborock.DeviceProp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &roborock.DeviceProp{Status: &roborock.Status{Battery: 77}}, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countObserver struct {
	mu     sync.Mutex
	counts []int
}

func (o *countObserver) ClientsChanged(n int) {
	o.mu.Lock()
	o.counts = append(o.counts, n)
	o.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %s", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decoding %s: %s", data, err)
	}
	return out
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	obs := &countObserver{}
	hub := NewHub([]string{"*"}).WithObserver(obs)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv)
	defer a.Close()
	b := dial(t, srv)
	defer b.Close()

	waitFor(t, "two clients", func() bool { return hub.ClientCount() == 2 })

	if n := hub.Broadcast([]byte(`{"status":"success"}`)); n != 2 {
		t.Errorf("sent to %d clients, want 2", n)
	}
	for _, c := range []*websocket.Conn{a, b} {
		if msg := readMessage(t, c); msg["status"] != "success" {
			t.Errorf("message %v", msg)
		}
	}

	a.Close()
	waitFor(t, "one client", func() bool { return hub.ClientCount() == 1 })

	hub.Close()
	waitFor(t, "no clients", func() bool { return hub.ClientCount() == 0 })

	obs.mu.Lock()
	last := obs.counts[len(obs.counts)-1]
	obs.mu.Unlock()
	if last != 0 {
		t.Errorf("last observed count = %d", last)
	}
}

func TestBroadcasterIdleWithoutClients(t *testing.T) {
	hub := NewHub([]string{"*"})
	src := &fakeSource{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewBroadcaster(hub, src).WithInterval(5 * time.Millisecond).Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := src.callCount(); n != 0 {
		t.Errorf("properties fetched %d times with no clients", n)
	}
}

func TestBroadcasterPushesProperties(t *testing.T) {
	hub := NewHub([]string{"*"})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	waitFor(t, "client", func() bool { return hub.ClientCount() == 1 })

	src := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewBroadcaster(hub, src).WithInterval(10 * time.Millisecond).Run(ctx)

	msg := readMessage(t, conn)
	if msg["status"] != "success" {
		t.Fatalf("message %v", msg)
	}
	data, _ := msg["data"].(map[string]interface{})
	status, _ := data["status"].(map[string]interface{})
	if status["battery"].(float64) != 77 {
		t.Errorf("data %v", data)
	}
}

func TestBroadcasterReportsErrors(t *testing.T) {
	hub := NewHub([]string{"*"})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	waitFor(t, "client", func() bool { return hub.ClientCount() == 1 })

	src := &fakeSource{err: errors.New("robot offline")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewBroadcaster(hub, src).WithInterval(10 * time.Millisecond).Run(ctx)

	msg := readMessage(t, conn)
	if msg["status"] != "error" || msg["message"] != "robot offline" {
		t.Errorf("message %v", msg)
	}
	if _, ok := msg["data"]; ok {
		t.Error("error message carries data")
	}
}

func TestHubChecksOrigin(t *testing.T) {
	hub := NewHub([]string{"http://dashboard.local"})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tests := []struct {
		origin string
		ok     bool
	}{
		{"http://dashboard.local", true},
		{"HTTP://Dashboard.local", true},
		{"http://evil.example", false},
		{"", true},
	}

	for _, tt := range tests {
		header := http.Header{}
		if tt.origin != "" {
			header.Set("Origin", tt.origin)
		}

		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if tt.ok {
			if err != nil {
				t.Errorf("%q: refused: %s", tt.origin, err)
				continue
			}
			conn.Close()
			continue
		}

		if err == nil {
			conn.Close()
			t.Errorf("%q: upgraded", tt.origin)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("%q: response %v", tt.origin, resp)
		}
	}

	// refused clients never register
	waitFor(t, "allowed clients to go away", func() bool { return hub.ClientCount() == 0 })
}

func TestHubWithoutOriginsIsSameOrigin(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	if conn, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		conn.Close()
		t.Error("foreign origin upgraded")
	}

	header.Set("Origin", srv.URL)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("same origin refused: %s", err)
	}
	conn.Close()
}

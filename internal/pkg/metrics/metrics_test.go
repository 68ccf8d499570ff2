package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jake-scott/roborock-proxy/internal/pkg/channel"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
)

var _ channel.Observer = (*Metrics)(nil)

func TestChannelStateGauge(t *testing.T) {
	m := New("d1")

	if v := testutil.ToFloat64(m.channelState.WithLabelValues("disconnected")); v != 1 {
		t.Errorf("initial disconnected gauge = %v, want 1", v)
	}

	m.StateChanged(channel.Disconnected, channel.Connecting, channel.Cloud)
	m.StateChanged(channel.Connecting, channel.Connected, channel.Cloud)

	if v := testutil.ToFloat64(m.channelState.WithLabelValues("connected")); v != 1 {
		t.Errorf("connected gauge = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.channelState.WithLabelValues("connecting")); v != 0 {
		t.Errorf("connecting gauge = %v, want 0", v)
	}
	if v := testutil.ToFloat64(m.transitions.WithLabelValues("connecting", "connected", "cloud")); v != 1 {
		t.Errorf("transition counter = %v, want 1", v)
	}
}

func TestCommandDone(t *testing.T) {
	m := New("d1")

	m.CommandDone("app_stop", channel.Local, nil, 30*time.Millisecond)
	m.CommandDone("app_stop", channel.Local, errors.New("boom"), time.Second)

	if v := testutil.ToFloat64(m.commands.WithLabelValues("app_stop", "local", "ok")); v != 1 {
		t.Errorf("ok count = %v", v)
	}
	if v := testutil.ToFloat64(m.commands.WithLabelValues("app_stop", "local", "error")); v != 1 {
		t.Errorf("error count = %v", v)
	}
	if n := testutil.CollectAndCount(m.latency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}

func TestObserveProps(t *testing.T) {
	m := New("d1")

	m.ObserveProps(&roborock.DeviceProp{Status: &roborock.Status{Battery: 87, State: 8, StateName: "charging"}})
	m.ObserveProps(&roborock.DeviceProp{Status: &roborock.Status{Battery: 86, State: 5, StateName: "cleaning"}})
	m.ObserveProps(nil)

	if v := testutil.ToFloat64(m.battery.WithLabelValues()); v != 86 {
		t.Errorf("battery = %v", v)
	}
	if n := testutil.CollectAndCount(m.robotState); n != 1 {
		t.Errorf("robot state series = %d, want only the current state", n)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("d1")
	m.ClientsChanged(2)
	m.Broadcast(nil)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{"roborock_proxy_websocket_clients 2", "roborock_proxy_broadcasts_total", "roborock_proxy_channel_state"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}

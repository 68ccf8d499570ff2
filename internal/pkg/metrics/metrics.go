package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jake-scott/roborock-proxy/internal/pkg/channel"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
)

const namespace = "roborock_proxy"

var allStates = []channel.State{channel.Disconnected, channel.Connecting, channel.Connected, channel.Lost}

// Metrics collects channel, command and robot metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	channelState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	commands     *prometheus.CounterVec
	latency      *prometheus.HistogramVec

	wsClients  prometheus.Gauge
	broadcasts *prometheus.CounterVec

	battery    *prometheus.GaugeVec
	robotState *prometheus.GaugeVec
	errorCode  *prometheus.GaugeVec
}

func New(duid string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Command channel state (1 for the current state)",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_transitions_total",
			Help:      "Command channel state transitions",
		}, []string{"from", "to", "transport"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Device commands by outcome",
		}, []string{"method", "transport", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Device command round trip time",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Status broadcasts by outcome",
		}, []string{"result"}),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "battery_percent",
			Help:        "Battery percentage (0-100)",
			ConstLabels: prometheus.Labels{"device_id": duid},
		}, nil),
		robotState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "robot_state",
			Help:        "Robot state reported by the device (1 for the current state)",
			ConstLabels: prometheus.Labels{"device_id": duid},
		}, []string{"state"}),
		errorCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "robot_error_code",
			Help:        "Robot error code, 0 when healthy",
			ConstLabels: prometheus.Labels{"device_id": duid},
		}, nil),
	}

	m.registry.MustRegister(
		m.channelState,
		m.transitions,
		m.commands,
		m.latency,
		m.wsClients,
		m.broadcasts,
		m.battery,
		m.robotState,
		m.errorCode,
	)

	m.setChannelState(channel.Disconnected)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) setChannelState(current channel.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.channelState.WithLabelValues(s.String()).Set(v)
	}
}

// StateChanged implements channel.Observer
func (m *Metrics) StateChanged(from, to channel.State, t channel.Transport) {
	m.setChannelState(to)
	m.transitions.WithLabelValues(from.String(), to.String(), t.String()).Inc()
}

// CommandDone implements channel.Observer
func (m *Metrics) CommandDone(method string, t channel.Transport, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(method, t.String(), result).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ClientsChanged(n int) {
	m.wsClients.Set(float64(n))
}

func (m *Metrics) Broadcast(err error) {
	if err != nil {
		m.broadcasts.WithLabelValues("error").Inc()
		return
	}
	m.broadcasts.WithLabelValues("ok").Inc()
}

// ObserveProps records the robot gauges from a property snapshot
func (m *Metrics) ObserveProps(p *roborock.DeviceProp) {
	if p == nil || p.Status == nil {
		return
	}

	m.battery.WithLabelValues().Set(float64(p.Status.Battery))
	m.errorCode.WithLabelValues().Set(float64(p.Status.ErrorCode))

	m.robotState.Reset()
	name := p.Status.StateName
	if name == "" {
		name = strconv.Itoa(p.Status.State)
	}
	m.robotState.WithLabelValues(name).Set(1)
}

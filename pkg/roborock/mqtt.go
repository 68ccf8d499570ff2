package roborock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/pkg/errors"
)

const mqttDisconnectQuiesce = 250 // ms

// MQTTConfig is the broker address and credentials derived from the login
type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	TLS      bool

	PublishTopic   string
	SubscribeTopic string
}

// MQTTConfigFor derives broker settings for one device from the login data
func MQTTConfigFor(user *UserData, duid string) (MQTTConfig, error) {
	if user == nil {
		return MQTTConfig{}, errors.New("missing user data")
	}

	raw := user.RRIOT.R.M
	if raw == "" {
		return MQTTConfig{}, errors.New("missing rriot mqtt url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return MQTTConfig{}, errors.Wrap(err, "parsing mqtt url")
	}
	if u.Hostname() == "" || u.Port() == "" {
		return MQTTConfig{}, fmt.Errorf("invalid mqtt url %q", raw)
	}

	user8 := md5Hex([]byte(user.RRIOT.U + ":" + user.RRIOT.K))[2:10]
	pass := md5Hex([]byte(user.RRIOT.S + ":" + user.RRIOT.K))[16:]

	scheme := "tcp"
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "mqtts" {
		scheme = "ssl"
	}

	return MQTTConfig{
		Broker:         fmt.Sprintf("%s://%s:%s", scheme, u.Hostname(), u.Port()),
		Username:       user8,
		Password:       pass,
		TLS:            scheme == "ssl",
		PublishTopic:   fmt.Sprintf("rr/m/i/%s/%s/%s", user.RRIOT.U, user8, duid),
		SubscribeTopic: fmt.Sprintf("rr/m/o/%s/%s/%s", user.RRIOT.U, user8, duid),
	}, nil
}

// MQTTConn sends commands through the Roborock cloud broker
type MQTTConn struct {
	cfg    MQTTConfig
	device DeviceInfo

	mu      sync.Mutex
	client  mqtt.Client
	onLost  func(error)
	pending *pending
}

func NewMQTTConn(cfg MQTTConfig, device DeviceInfo) *MQTTConn {
	c := &MQTTConn{
		cfg:     cfg,
		device:  device,
		pending: newPending(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(uuid.New().String())
	opts.SetCleanSession(true)
	// reconnection is driven by the owner through Connect
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)

	opts.SetConnectionLostHandler(c.connectionLost)

	c.client = mqtt.NewClient(opts)

	return c
}

func (c *MQTTConn) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

func (c *MQTTConn) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *MQTTConn) Connect(ctx context.Context) error {
	if c.client.IsConnectionOpen() {
		return nil
	}

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "connecting to mqtt broker")
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "connecting to %s", c.cfg.Broker)
	}

	// subscriptions do not survive a clean-session reconnect
	sub := c.client.Subscribe(c.cfg.SubscribeTopic, 0, c.onMessage)
	select {
	case <-sub.Done():
	case <-ctx.Done():
		c.client.Disconnect(mqttDisconnectQuiesce)
		return errors.Wrap(ctx.Err(), "subscribing to device topic")
	}
	if err := sub.Error(); err != nil {
		c.client.Disconnect(mqttDisconnectQuiesce)
		return errors.Wrapf(err, "subscribing to %s", c.cfg.SubscribeTopic)
	}

	logging.Logger(ctx).Debugf("connected to mqtt broker %s", c.cfg.Broker)

	return nil
}

func (c *MQTTConn) connectionLost(_ mqtt.Client, err error) {
	logging.Logger(nil).Warnf("mqtt connection lost: %s", err)

	c.pending.failAll(ErrConnectionLost)

	c.mu.Lock()
	fn := c.onLost
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

func (c *MQTTConn) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg, err := decodeFrame(m.Payload(), c.device.LocalKey)
	if err != nil {
		logging.Logger(nil).Debugf("mqtt decode: %s", err)
		return
	}
	if msg.Protocol != ProtocolRPCResponse || len(msg.Payload) == 0 {
		return
	}

	resp, ok, err := decodeRPCResponse(msg.Payload)
	if err != nil {
		logging.Logger(nil).Debugf("mqtt payload: %s", err)
		return
	}
	if ok && !c.pending.resolve(resp) {
		logging.Logger(nil).Debugf("unsolicited %s", resp)
	}
}

func (c *MQTTConn) Close() error {
	if c.client.IsConnected() {
		c.client.Disconnect(mqttDisconnectQuiesce)
	}
	c.pending.failAll(ErrNotConnected)
	return nil
}

func (c *MQTTConn) SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if !c.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}

	id := nextRequestID()
	ts := nowTimestamp()
	payload, err := encodeRPCRequest(id, method, params, ts)
	if err != nil {
		return nil, err
	}
	frame, err := encodeFrame(Message{Protocol: ProtocolRPCRequest, Timestamp: ts, Payload: payload}, c.device.LocalKey)
	if err != nil {
		return nil, err
	}

	ch := c.pending.add(id)

	token := c.client.Publish(c.cfg.PublishTopic, 0, false, frame)
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, errors.Wrapf(ctx.Err(), "publishing %s", method)
	}
	if err := token.Error(); err != nil {
		c.pending.remove(id)
		return nil, errors.Wrapf(err, "publishing %s", method)
	}

	select {
	case r := <-ch:
		return r.result(method)
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s reply", method)
	}
}

package roborock

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/pkg/errors"
)

const (
	LocalPort      = 58867
	localPingEvery = 10 * time.Second
	localTimeout   = 5 * time.Second
)

// LocalConn talks to the robot directly over TCP on the home network
type LocalConn struct {
	addr         string
	device       DeviceInfo
	connectNonce uint32
	pingEvery    time.Duration

	mu      sync.Mutex
	wmu     sync.Mutex
	conn    net.Conn
	closed  chan struct{}
	control map[MessageProtocol]chan Message
	onLost  func(error)

	pending *pending
}

// NewLocalConn prepares a connection to host, which may carry a port
func NewLocalConn(host string, device DeviceInfo) *LocalConn {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(LocalPort))
	}

	return &LocalConn{
		addr:         addr,
		device:       device,
		connectNonce: uint32(nextInt(10000, 32767)),
		pingEvery:    localPingEvery,
		control:      make(map[MessageProtocol]chan Message),
		pending:      newPending(),
	}
}

func (c *LocalConn) WithPingInterval(d time.Duration) *LocalConn {
	c.pingEvery = d
	return c
}

func (c *LocalConn) Addr() string {
	return c.addr
}

func (c *LocalConn) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

func (c *LocalConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *LocalConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.mu.Unlock()
		return errors.Wrapf(err, "dialing %s", c.addr)
	}
	closed := make(chan struct{})
	c.conn = conn
	c.closed = closed
	c.mu.Unlock()

	go c.readLoop(conn, closed)

	if err := c.hello(ctx); err != nil {
		c.shutdown(conn, ErrNotConnected)
		return errors.Wrap(err, "local handshake")
	}

	go c.keepAlive(conn, closed)

	logging.Logger(ctx).Debugf("local connection to %s established", c.addr)

	return nil
}

func (c *LocalConn) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.shutdown(conn, ErrNotConnected)
	return nil
}

// shutdown tears down conn if it is still the current connection and
// reports whether it did
func (c *LocalConn) shutdown(conn net.Conn, reason error) bool {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	close(c.closed)
	c.mu.Unlock()

	_ = conn.Close()
	c.pending.failAll(reason)

	return true
}

func (c *LocalConn) hello(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	_, err := c.sendRaw(ctx, Message{
		Protocol: ProtocolHelloRequest,
		Seq:      1,
		Random:   c.connectNonce,
	}, ProtocolHelloResponse)

	return err
}

func (c *LocalConn) keepAlive(conn net.Conn, closed chan struct{}) {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), localTimeout)
			_, err := c.sendRaw(ctx, Message{Protocol: ProtocolPingRequest}, ProtocolPingResponse)
			cancel()

			if err != nil {
				c.lost(conn, errors.Wrap(err, "keepalive"))
				return
			}
		}
	}
}

func (c *LocalConn) lost(conn net.Conn, err error) {
	if !c.shutdown(conn, ErrConnectionLost) {
		return
	}

	logging.Logger(nil).Warnf("local connection to %s lost: %s", c.addr, err)

	c.mu.Lock()
	fn := c.onLost
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

func (c *LocalConn) readLoop(conn net.Conn, closed chan struct{}) {
	decoder := newStreamDecoder(c.device.LocalKey)
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-closed:
			default:
				c.lost(conn, err)
			}
			return
		}

		messages, err := decoder.Feed(buf[:n])
		if err != nil {
			logging.Logger(nil).Debugf("local decode: %s", err)
		}
		for _, msg := range messages {
			c.dispatch(msg)
		}
	}
}

func (c *LocalConn) dispatch(msg Message) {
	switch msg.Protocol {
	case ProtocolHelloResponse, ProtocolPingResponse:
		c.mu.Lock()
		ch, ok := c.control[msg.Protocol]
		delete(c.control, msg.Protocol)
		c.mu.Unlock()

		if ok {
			ch <- msg
		}

	case ProtocolGeneralReq, ProtocolGeneralResp, ProtocolRPCResponse:
		if len(msg.Payload) == 0 {
			return
		}
		resp, ok, err := decodeRPCResponse(msg.Payload)
		if err != nil {
			logging.Logger(nil).Debugf("local payload: %s", err)
			return
		}
		if ok && !c.pending.resolve(resp) {
			logging.Logger(nil).Debugf("unsolicited %s", resp)
		}
	}
}

func (c *LocalConn) write(msg Message) error {
	data, err := encodeMessage(msg, c.device.LocalKey)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(localTimeout))
	_, err = conn.Write(data)
	c.wmu.Unlock()

	if err != nil {
		// a socket that failed a write is never reused
		c.lost(conn, errors.Wrap(err, "write"))
		return errors.Wrap(ErrConnectionLost, err.Error())
	}

	return nil
}

func (c *LocalConn) sendRaw(ctx context.Context, msg Message, expect MessageProtocol) (Message, error) {
	ch := make(chan Message, 1)

	c.mu.Lock()
	c.control[expect] = ch
	closed := c.closed
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		return Message{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-closed:
		return Message{}, ErrConnectionLost
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.control, expect)
		c.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

func (c *LocalConn) SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	id := nextRequestID()
	ts := nowTimestamp()
	payload, err := encodeRPCRequest(id, method, params, ts)
	if err != nil {
		return nil, err
	}

	ch := c.pending.add(id)
	if err := c.write(Message{Protocol: ProtocolGeneralReq, Timestamp: ts, Payload: payload}); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.result(method)
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s reply", method)
	}
}

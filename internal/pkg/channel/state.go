package channel

import (
	"fmt"

	"github.com/jake-scott/roborock-proxy/pkg/roborock"
	"github.com/pkg/errors"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Lost
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Lost:
		return "lost"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transport is the path commands take to the robot
type Transport int

const (
	Cloud Transport = iota
	Local
)

func (t Transport) String() string {
	switch t {
	case Cloud:
		return "cloud"
	case Local:
		return "local"
	}
	return fmt.Sprintf("transport(%d)", int(t))
}

// Dialer creates the connection object for one transport
type Dialer interface {
	Transport() Transport
	NewConn() (roborock.Conn, error)
}

type dialerFunc struct {
	transport Transport
	fn        func() (roborock.Conn, error)
}

func (d dialerFunc) Transport() Transport {
	return d.transport
}

func (d dialerFunc) NewConn() (roborock.Conn, error) {
	return d.fn()
}

func NewDialer(t Transport, fn func() (roborock.Conn, error)) Dialer {
	return dialerFunc{transport: t, fn: fn}
}

// ErrShutdown is returned once the manager has been closed
var ErrShutdown = errors.New("command channel shut down")

type ConnectError struct {
	Transport Transport
	Err       error
}

func (e ConnectError) Error() string {
	return fmt.Sprintf("connecting %s channel: %s", e.Transport, e.Err)
}

func (e ConnectError) Unwrap() error {
	return e.Err
}

type NotConnectedError struct {
	Err error
}

func (e NotConnectedError) Error() string {
	return "command channel not connected: " + e.Err.Error()
}

func (e NotConnectedError) Unwrap() error {
	return e.Err
}

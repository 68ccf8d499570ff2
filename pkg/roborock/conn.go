// Package roborock speaks the Roborock cloud API and the device command
// protocol, over either the cloud MQTT broker or the robot's local TCP port.
package roborock

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned when a command is issued on a closed connection
	ErrNotConnected = errors.New("connection is not established")

	// ErrConnectionLost is delivered to in-flight commands when the transport drops
	ErrConnectionLost = errors.New("connection lost")
)

// Sender issues one device command and returns the raw result
type Sender interface {
	SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Conn is a command channel to one device
type Conn interface {
	Sender

	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// OnConnectionLost registers fn to be called once per unexpected drop
	OnConnectionLost(fn func(error))
}

// DeviceInfo is what a connection needs to address and decrypt for a device
type DeviceInfo struct {
	DUID     string
	LocalKey string
}

// Call sends a command and decodes the result into out
func Call(ctx context.Context, s Sender, method string, params interface{}, out interface{}) error {
	raw, err := s.SendCommand(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}

	return errors.Wrapf(json.Unmarshal(raw, out), "decoding %s result", method)
}

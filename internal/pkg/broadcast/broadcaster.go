package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
)

/*
 *  Periodic push of the robot's properties to the WebSocket clients
 */

type PropSource interface {
	GetProperties(ctx context.Context) (*roborock.DeviceProp, error)
}

// Observer is told about each broadcast
type Observer interface {
	Broadcast(err error)
	ObserveProps(p *roborock.DeviceProp)
}

type message struct {
	Status  string               `json:"status"`
	Data    *roborock.DeviceProp `json:"data,omitempty"`
	Message string               `json:"message,omitempty"`
}

type Broadcaster struct {
	hub      *Hub
	source   PropSource
	interval time.Duration
	timeout  time.Duration
	observer Observer
}

func NewBroadcaster(hub *Hub, source PropSource) *Broadcaster {
	return &Broadcaster{
		hub:      hub,
		source:   source,
		interval: 5 * time.Second,
		timeout:  10 * time.Second,
	}
}

func (b *Broadcaster) WithInterval(d time.Duration) *Broadcaster {
	nb := *b
	nb.interval = d
	return &nb
}

// WithTimeout bounds each property fetch
func (b *Broadcaster) WithTimeout(d time.Duration) *Broadcaster {
	nb := *b
	nb.timeout = d
	return &nb
}

func (b *Broadcaster) WithObserver(o Observer) *Broadcaster {
	nb := *b
	nb.observer = o
	return &nb
}

// Run broadcasts every interval while at least one client is connected.
// It returns when ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Logger(nil).Info("broadcast-loop: shutting down")
			return
		case <-ticker.C:
			if b.hub.ClientCount() == 0 {
				continue
			}
			b.broadcastOnce(ctx)
		}
	}
}

func (b *Broadcaster) broadcastOnce(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	prop, err := b.source.GetProperties(fetchCtx)

	var msg message
	if err != nil {
		logging.Logger(nil).WithError(err).Error("broadcast-loop: retrieving device properties")
		msg = message{Status: "error", Message: err.Error()}
	} else {
		msg = message{Status: "success", Data: prop}
	}

	if b.observer != nil {
		b.observer.Broadcast(err)
		if err == nil {
			b.observer.ObserveProps(prop)
		}
	}

	data, jerr := json.Marshal(msg)
	if jerr != nil {
		logging.Logger(nil).WithError(jerr).Error("broadcast-loop: encoding message")
		return
	}

	n := b.hub.Broadcast(data)
	logging.Logger(nil).Debugf("broadcast-loop: sent to %d clients", n)
}

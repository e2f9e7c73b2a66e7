// Package socketcan wraps github.com/brutella/can, which talks to a Linux
// SocketCAN interface and delivers frames via an asynchronous
// Subscribe/Handle callback. This adapter bridges that model to the
// synchronous RecvFrame(deadline) contract of transport.Transport using an
// internal buffered channel, exactly the way the teacher's
// pkg/can/socketcan package wraps the same library behind its own Bus
// interface.
package socketcan

import (
	"time"

	sockcan "github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	"github.com/openflash/n54ecu/pkg/transport"
)

func init() {
	transport.Register("socketcan", New)
}

// Bus adapts a brutella/can bus to transport.Transport.
type Bus struct {
	bus    *sockcan.Bus
	rx     chan transport.Frame
	filter map[uint32]bool
}

// New opens a SocketCAN interface by name, e.g. "can0" or "vcan0", and
// starts connecting and publishing received frames in a background
// goroutine.
func New(channel string) (transport.Transport, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	adapter := &Bus{bus: bus, rx: make(chan transport.Frame, 256)}
	bus.Subscribe(adapter)
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			log.Errorf("[TRANSPORT][socketcan] %q: bus closed: %v", channel, err)
		}
	}()
	return adapter, nil
}

// Handle implements brutella/can's frame-handler interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	if len(b.filter) != 0 && !b.filter[frame.ID] {
		return
	}
	data := make([]byte, frame.Length)
	copy(data, frame.Data[:frame.Length])
	select {
	case b.rx <- transport.Frame{ID: frame.ID, Data: data}:
	default:
		log.Warnf("[TRANSPORT][socketcan] rx buffer full, dropping frame x%x", frame.ID)
	}
}

// SendFrame implements transport.Transport.
func (b *Bus) SendFrame(frame transport.Frame) error {
	out := sockcan.Frame{ID: frame.ID, Length: uint8(len(frame.Data))}
	copy(out.Data[:], frame.Data)
	if err := b.bus.Publish(out); err != nil {
		return transport.ErrTxOverflow
	}
	return nil
}

// RecvFrame implements transport.Transport.
func (b *Bus) RecvFrame(deadline time.Time) (transport.Frame, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case frame := <-b.rx:
		return frame, nil
	case <-timer.C:
		return transport.Frame{}, transport.ErrRxTimeout
	}
}

// SetFilter implements transport.Transport.
func (b *Bus) SetFilter(ids []uint32) error {
	if len(ids) == 0 {
		b.filter = nil
		return nil
	}
	filter := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		filter[id] = true
	}
	b.filter = filter
	return nil
}

// Close implements transport.Transport.
func (b *Bus) Close() error {
	return b.bus.Disconnect()
}

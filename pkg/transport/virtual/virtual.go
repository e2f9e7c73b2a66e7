// Package virtual implements an in-process loopback transport used for
// tests and for driving the flashing core without physical hardware. Two
// Bus values created with NewPair are directly wired together, standing in
// for "tester" and "ECU" endpoints on the same bus.
//
// Grounded on the teacher's TCP-broker virtual CAN bus
// (pkg/can/virtual/virtual.go); this variant skips the network round trip
// since both endpoints live in the same process.
package virtual

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openflash/n54ecu/pkg/transport"
)

// Bus is one endpoint of an in-memory loopback pair.
type Bus struct {
	mu       sync.Mutex
	peer     *Bus
	inbox    chan transport.Frame
	filter   map[uint32]bool
	closed   bool
	closeErr error
}

// NewPair builds two connected Bus endpoints; frames sent on one arrive on
// the other's RecvFrame.
func NewPair() (tester *Bus, ecu *Bus) {
	tester = &Bus{inbox: make(chan transport.Frame, 256)}
	ecu = &Bus{inbox: make(chan transport.Frame, 256)}
	tester.peer = ecu
	ecu.peer = tester
	return tester, ecu
}

// SendFrame implements transport.Transport.
func (b *Bus) SendFrame(frame transport.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	select {
	case b.peer.inbox <- frame:
		return nil
	default:
		log.Warnf("[TRANSPORT][virtual] peer inbox full, dropping frame x%x", frame.ID)
		return transport.ErrTxOverflow
	}
}

// RecvFrame implements transport.Transport.
func (b *Bus) RecvFrame(deadline time.Time) (transport.Frame, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case frame := <-b.inbox:
			if b.accepts(frame.ID) {
				return frame, nil
			}
		case <-timer.C:
			return transport.Frame{}, transport.ErrRxTimeout
		}
	}
}

func (b *Bus) accepts(id uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.filter) == 0 {
		return true
	}
	return b.filter[id]
}

// SetFilter implements transport.Transport.
func (b *Bus) SetFilter(ids []uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(ids) == 0 {
		b.filter = nil
		return nil
	}
	b.filter = make(map[uint32]bool, len(ids))
	for _, id := range ids {
		b.filter[id] = true
	}
	return nil
}

// Close implements transport.Transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Package isotp implements ISO 15765-2 segmentation and reassembly of
// diagnostic service payloads over CAN frames (spec.md §4.2). It knows
// nothing about UDS service semantics; it only turns a byte slice into a
// framed bus conversation and back.
package isotp

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openflash/n54ecu/internal/fifo"
	"github.com/openflash/n54ecu/pkg/transport"
)

// PCI (protocol control information) nibble values, upper nibble of the
// first frame byte.
const (
	pciSingle      = 0x0
	pciFirst       = 0x1
	pciConsecutive = 0x2
	pciFlowControl = 0x3
)

// Flow control status values, lower nibble of a Flow Control frame's first
// byte.
type FlowStatus uint8

const (
	ContinueToSend FlowStatus = 0x0
	Wait           FlowStatus = 0x1
	Overflow       FlowStatus = 0x2
)

// Timing defaults from spec.md §4.2.
const (
	// NBS is how long the sender waits for a Flow Control frame after a
	// First Frame, or after a Wait is received (resets the wait).
	NBS = 1000 * time.Millisecond
	// NBR is the bounded delay before the receiver answers a First Frame
	// with a Flow Control frame.
	NBR = 900 * time.Millisecond
	// NCR is how long the receiver waits for the next Consecutive Frame
	// before giving up on reassembly.
	NCR = 1000 * time.Millisecond
	// PadByte fills unused bytes of a frame shorter than 8 bytes.
	PadByte = 0xAA
	// MaxPayload is the largest payload this layer will segment or
	// reassemble in one direction (ISO 15765-2's 12-bit length field).
	MaxPayload = 4095
)

// Errors surfaced by this layer. All are fatal to the in-flight service;
// the UDS client decides whether to retry (spec.md §7).
var (
	ErrTimeout          = errors.New("isotp: timeout")
	ErrUnexpectedFrame  = errors.New("isotp: unexpected frame")
	ErrOverflow         = errors.New("isotp: overflow")
	ErrRejected         = errors.New("isotp: flow control overflow, rejected by peer")
	ErrPayloadTooLarge  = errors.New("isotp: payload exceeds 4095 bytes")
	ErrSequenceMismatch = errors.New("isotp: consecutive frame index mismatch")
)

// Config controls the timing and chunking knobs of a Session. Zero values
// are replaced with spec.md defaults by NewSession.
type Config struct {
	NBS          time.Duration
	NBR          time.Duration
	NCR          time.Duration
	BlockSize    uint8 // not read: Flow Control frames this side sends always grant 0 (unlimited)
	STMin        uint8 // separation time we request from the peer
	PadByte      byte
	ReceiveDelay time.Duration // artificial delay before answering First Frame, bounded by NBR
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.NBS == 0 {
		out.NBS = NBS
	}
	if out.NBR == 0 {
		out.NBR = NBR
	}
	if out.NCR == 0 {
		out.NCR = NCR
	}
	if out.PadByte == 0 {
		out.PadByte = PadByte
	}
	return out
}

// Session binds a fixed (txID, rxID) pair to a Transport and implements
// send/receive of whole service payloads.
type Session struct {
	bus   transport.Transport
	txID  uint32
	rxID  uint32
	cfg   Config
	fifo  *fifo.Fifo
	label string // for logging, e.g. "x612->x613"
}

// NewSession creates an ISO-TP session for a request/response identifier
// pair. txID is the identifier this side transmits on, rxID the
// identifier it listens for.
func NewSession(bus transport.Transport, txID, rxID uint32, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		bus:   bus,
		txID:  txID,
		rxID:  rxID,
		cfg:   cfg,
		fifo:  fifo.New(MaxPayload + 16),
		label: fmt.Sprintf("x%x->x%x", txID, rxID),
	}
}

func (s *Session) send(data []byte) error {
	frame := transport.Frame{ID: s.txID, Data: pad(data, s.cfg.PadByte)}
	return s.bus.SendFrame(frame)
}

func pad(data []byte, padByte byte) []byte {
	if len(data) >= 8 {
		return data[:8]
	}
	out := make([]byte, 8)
	copy(out, data)
	for i := len(data); i < 8; i++ {
		out[i] = padByte
	}
	return out
}

// Send segments payload into Single/First/Consecutive frames and drives
// the flow-control handshake (spec.md §4.2).
func (s *Session) Send(payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	if len(payload) <= 7 {
		return s.sendSingle(payload)
	}
	return s.sendMultiple(payload)
}

func (s *Session) sendSingle(payload []byte) error {
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(pciSingle<<4) | byte(len(payload))
	copy(frame[1:], payload)
	log.Debugf("[ISOTP][TX][%s] SINGLE len=%d", s.label, len(payload))
	return s.send(frame)
}

func (s *Session) sendMultiple(payload []byte) error {
	first := make([]byte, 8)
	first[0] = byte(pciFirst<<4) | byte((len(payload)>>8)&0x0F)
	first[1] = byte(len(payload))
	copy(first[2:], payload[:6])
	log.Debugf("[ISOTP][TX][%s] FIRST total=%d", s.label, len(payload))
	if err := s.send(first); err != nil {
		return err
	}

	sent := 6
	seq := uint8(1)
	blockCount := uint8(0)
	deadline := time.Now().Add(s.cfg.NBS)
	for sent < len(payload) {
		flag, blockSize, stMin, err := s.awaitFlowControl(deadline)
		if err != nil {
			return err
		}
		switch flag {
		case Overflow:
			return ErrRejected
		case Wait:
			deadline = time.Now().Add(s.cfg.NBS)
			continue
		}
		blockCount = 0
		for sent < len(payload) && (blockSize == 0 || blockCount < blockSize) {
			chunk := payload[sent:min(sent+7, len(payload))]
			cf := make([]byte, 1+len(chunk))
			cf[0] = byte(pciConsecutive<<4) | (seq & 0x0F)
			copy(cf[1:], chunk)
			if err := s.send(cf); err != nil {
				return err
			}
			log.Debugf("[ISOTP][TX][%s] CONSECUTIVE seq=%x bytes=%d", s.label, seq, len(chunk))
			sent += len(chunk)
			seq = (seq + 1) % 16
			blockCount++
			if sent < len(payload) {
				sleepSeparation(stMin)
			}
		}
		deadline = time.Now().Add(s.cfg.NBS)
	}
	return nil
}

func (s *Session) awaitFlowControl(deadline time.Time) (FlowStatus, uint8, uint8, error) {
	for {
		frame, err := s.bus.RecvFrame(deadline)
		if err != nil {
			log.Warnf("[ISOTP][RX][%s] flow control wait: %v", s.label, err)
			return 0, 0, 0, ErrTimeout
		}
		if frame.ID != s.rxID || len(frame.Data) < 3 {
			continue
		}
		pci := frame.Data[0] >> 4
		if pci != pciFlowControl {
			continue
		}
		status := FlowStatus(frame.Data[0] & 0x0F)
		blockSize := frame.Data[1]
		stMin := frame.Data[2]
		log.Debugf("[ISOTP][RX][%s] FLOW CONTROL status=%d bs=%d stmin=x%x", s.label, status, blockSize, stMin)
		return status, blockSize, stMin, nil
	}
}

func sleepSeparation(stMin uint8) {
	switch {
	case stMin <= 0x7F:
		time.Sleep(time.Duration(stMin) * time.Millisecond)
	case stMin >= 0xF1 && stMin <= 0xF9:
		time.Sleep(time.Duration(100*(int(stMin)-0xF0)) * time.Microsecond)
	default:
		// Reserved value: fall back to the smallest standard gap.
		time.Sleep(time.Millisecond)
	}
}

// Receive blocks for at most deadline and returns one complete reassembled
// payload.
func (s *Session) Receive(deadline time.Time) ([]byte, error) {
	frame, err := s.awaitFromPeer(deadline)
	if err != nil {
		return nil, err
	}
	pci := frame.Data[0] >> 4
	switch pci {
	case pciSingle:
		length := int(frame.Data[0] & 0x0F)
		if length == 0 || length > len(frame.Data)-1 {
			return nil, ErrUnexpectedFrame
		}
		log.Debugf("[ISOTP][RX][%s] SINGLE len=%d", s.label, length)
		return append([]byte(nil), frame.Data[1:1+length]...), nil
	case pciFirst:
		return s.receiveMultiple(frame, deadline)
	default:
		return nil, ErrUnexpectedFrame
	}
}

func (s *Session) awaitFromPeer(deadline time.Time) (transport.Frame, error) {
	for {
		frame, err := s.bus.RecvFrame(deadline)
		if err != nil {
			return transport.Frame{}, ErrTimeout
		}
		if frame.ID != s.rxID || len(frame.Data) == 0 {
			continue
		}
		return frame, nil
	}
}

func (s *Session) receiveMultiple(first transport.Frame, deadline time.Time) ([]byte, error) {
	total := int(first.Data[0]&0x0F)<<8 | int(first.Data[1])
	if total > MaxPayload {
		return nil, ErrOverflow
	}
	log.Debugf("[ISOTP][RX][%s] FIRST total=%d", s.label, total)

	s.fifo.Reset()
	initial := first.Data[2:min(8, 2+total)]
	s.fifo.Write(initial)

	if err := s.sendFlowControl(ContinueToSend, 0, s.cfg.STMin); err != nil {
		return nil, err
	}

	seq := uint8(1)
	cfDeadline := time.Now().Add(min2(s.cfg.NCR, time.Until(deadline)))
	for s.fifo.Occupied() < total {
		frame, err := s.awaitFromPeer(cfDeadline)
		if err != nil {
			return nil, ErrTimeout
		}
		pci := frame.Data[0] >> 4
		if pci != pciConsecutive {
			return nil, ErrUnexpectedFrame
		}
		gotSeq := frame.Data[0] & 0x0F
		if gotSeq != seq {
			return nil, ErrSequenceMismatch
		}
		remaining := total - s.fifo.Occupied()
		chunk := frame.Data[1:]
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		s.fifo.Write(chunk)
		log.Debugf("[ISOTP][RX][%s] CONSECUTIVE seq=%x bytes=%d/%d", s.label, gotSeq, s.fifo.Occupied(), total)
		seq = (seq + 1) % 16
		cfDeadline = time.Now().Add(min2(s.cfg.NCR, time.Until(deadline)))
	}

	out := make([]byte, total)
	s.fifo.Read(out)
	return out, nil
}

func (s *Session) sendFlowControl(status FlowStatus, blockSize, stMin uint8) error {
	if s.cfg.ReceiveDelay > 0 {
		time.Sleep(min2(s.cfg.ReceiveDelay, s.cfg.NBR))
	}
	frame := []byte{byte(pciFlowControl<<4) | byte(status), blockSize, stMin}
	log.Debugf("[ISOTP][TX][%s] FLOW CONTROL status=%d bs=%d stmin=x%x", s.label, status, blockSize, stMin)
	return s.send(frame)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func min2(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

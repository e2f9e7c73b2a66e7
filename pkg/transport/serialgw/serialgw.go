//go:build linux

// Package serialgw implements the "serial-line gateway" parallel
// transport named in spec.md §4.1: a USB/RS232 CAN-to-serial bridge
// device reached over a raw tty using github.com/daedaluz/goserial. Frames
// are carried as a small fixed header (4-byte big-endian CAN ID, 1-byte
// length) followed by the payload bytes; a real gateway's firmware
// protocol would replace this framing, but the adapter shape — open the
// port raw, configure a fixed baud, and read/write length-prefixed frames
// — is unchanged.
package serialgw

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	serial "github.com/daedaluz/goserial"
	log "github.com/sirupsen/logrus"

	"github.com/openflash/n54ecu/pkg/transport"
)

func init() {
	transport.Register("serialgw", New)
}

const headerSize = 5 // 4-byte ID + 1-byte length

// Bus is a CAN-over-serial gateway transport.
type Bus struct {
	port   *serial.Port
	filter map[uint32]bool
}

// New opens the serial device at the given path (e.g. "/dev/ttyUSB0"),
// puts it in raw mode, and sets a fixed 115200 baud matching the gateway's
// expected configuration.
func New(channel string) (transport.Transport, error) {
	port, err := serial.Open(channel, serial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("serialgw: open %s: %w", channel, err)
	}
	if err := port.MakeRaw(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serialgw: set raw mode: %w", err)
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serialgw: get attrs: %w", err)
	}
	attrs.SetSpeed(serial.B115200)
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serialgw: set speed: %w", err)
	}
	return &Bus{port: port}, nil
}

// SendFrame implements transport.Transport.
func (b *Bus) SendFrame(frame transport.Frame) error {
	if len(frame.Data) > 8 {
		return fmt.Errorf("serialgw: frame too long (%d bytes)", len(frame.Data))
	}
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, frame.ID)
	header[4] = byte(len(frame.Data))
	if _, err := b.port.Write(header); err != nil {
		return fmt.Errorf("serialgw: write header: %w", err)
	}
	if _, err := b.port.Write(frame.Data); err != nil {
		return fmt.Errorf("serialgw: write payload: %w", err)
	}
	return nil
}

// RecvFrame implements transport.Transport.
func (b *Bus) RecvFrame(deadline time.Time) (transport.Frame, error) {
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		header := make([]byte, headerSize)
		if err := b.readFull(header, remaining); err != nil {
			return transport.Frame{}, err
		}
		id := binary.BigEndian.Uint32(header)
		length := header[4]
		if length > 8 {
			return transport.Frame{}, fmt.Errorf("serialgw: invalid length byte %d", length)
		}
		data := make([]byte, length)
		if err := b.readFull(data, remaining); err != nil {
			return transport.Frame{}, err
		}
		if len(b.filter) != 0 && !b.filter[id] {
			continue // filtered out: keep waiting until the deadline
		}
		return transport.Frame{ID: id, Data: data}, nil
	}
}

func (b *Bus) readFull(buf []byte, timeout time.Duration) error {
	read := 0
	for read < len(buf) {
		n, err := b.port.ReadTimeout(buf[read:], timeout)
		if err != nil {
			if err == io.EOF {
				log.Warnf("[TRANSPORT][serialgw] unexpected EOF mid-frame")
			}
			return transport.ErrRxTimeout
		}
		read += n
	}
	return nil
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
	return b.port.Close()
}

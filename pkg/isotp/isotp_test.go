package isotp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openflash/n54ecu/pkg/isotp"
	"github.com/openflash/n54ecu/pkg/transport/virtual"
)

func session(t *testing.T) (tester, ecu *isotp.Session) {
	t.Helper()
	busA, busB := virtual.NewPair()
	tester = isotp.NewSession(busA, 0x612, 0x613, isotp.Config{})
	ecu = isotp.NewSession(busB, 0x613, 0x612, isotp.Config{})
	return tester, ecu
}

func TestRoundTripSingleFrame(t *testing.T) {
	tester, ecu := session(t)
	payload := []byte{0x10, 0x02}

	errc := make(chan error, 1)
	go func() { errc <- tester.Send(payload) }()

	got, err := ecu.Receive(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, payload, got)
}

func TestRoundTripMultiFrame(t *testing.T) {
	tester, ecu := session(t)
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}

	errc := make(chan error, 1)
	go func() { errc <- tester.Send(payload) }()

	got, err := ecu.Receive(time.Now().Add(2 * time.Second))
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, payload, got)
}

func TestRoundTripExactBoundaries(t *testing.T) {
	for _, size := range []int{1, 6, 7, 8, 4095} {
		size := size
		t.Run("", func(t *testing.T) {
			tester, ecu := session(t)
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i % 251)
			}
			errc := make(chan error, 1)
			go func() { errc <- tester.Send(payload) }()
			got, err := ecu.Receive(time.Now().Add(2 * time.Second))
			require.NoError(t, err)
			require.NoError(t, <-errc)
			assert.Equal(t, payload, got)
		})
	}
}

func TestPayloadTooLargeRejected(t *testing.T) {
	tester, _ := session(t)
	err := tester.Send(make([]byte, isotp.MaxPayload+1))
	assert.ErrorIs(t, err, isotp.ErrPayloadTooLarge)
}

func TestReceiveTimesOutWithNoSender(t *testing.T) {
	_, ecu := session(t)
	_, err := ecu.Receive(time.Now().Add(50 * time.Millisecond))
	assert.ErrorIs(t, err, isotp.ErrTimeout)
}

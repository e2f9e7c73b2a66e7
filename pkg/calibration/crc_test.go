package calibration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openflash/n54ecu/pkg/calibration"
)

func TestCRC32CKnownVector(t *testing.T) {
	// "123456789" is the standard CRC catalogue check string; CRC-32C
	// (Castagnoli) over it is the well-known 0xE3069283.
	got := calibration.CRC32C([]byte("123456789"))
	assert.Equal(t, uint32(0xE3069283), got)
}

func TestCRC32CEmpty(t *testing.T) {
	assert.Equal(t, uint32(0), calibration.CRC32C(nil))
}

func TestCRC32CDiffersOnSingleByteChange(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03, 0x04}
	b := []byte{0x01, 0x02, 0x03, 0x05}
	assert.NotEqual(t, calibration.CRC32C(a), calibration.CRC32C(b))
}

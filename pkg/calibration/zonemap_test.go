package calibration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openflash/n54ecu/pkg/calibration"
)

func TestLookupKnownVariants(t *testing.T) {
	for _, id := range []string{"MSD80", "MSD81"} {
		v, err := calibration.Lookup(id)
		require.NoError(t, err)
		assert.Equal(t, id, v.ID)
		assert.NoError(t, v.Validate())
	}
}

func TestLookupUnknownVariant(t *testing.T) {
	_, err := calibration.Lookup("MSD70")
	assert.Error(t, err)
}

func blankImage(t *testing.T, v calibration.Variant) []byte {
	t.Helper()
	return make([]byte, v.ImageSize)
}

func TestRefreshAllCRCsIsIdempotent(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	image := blankImage(t, v)

	require.NoError(t, calibration.RefreshAllCRCs(image, v))
	first := append([]byte(nil), image...)

	require.NoError(t, calibration.RefreshAllCRCs(image, v))
	assert.Equal(t, first, image)
}

func TestVerifyAllCRCsPassesAfterRefresh(t *testing.T) {
	v, err := calibration.Lookup("MSD81")
	require.NoError(t, err)
	image := blankImage(t, v)

	require.NoError(t, calibration.RefreshAllCRCs(image, v))
	mismatches, err := calibration.VerifyAllCRCs(image, v)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestVerifyAllCRCsCatchesMutation(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	image := blankImage(t, v)
	require.NoError(t, calibration.RefreshAllCRCs(image, v))

	image[v.ZoneMap[0].Start] ^= 0xFF

	mismatches, err := calibration.VerifyAllCRCs(image, v)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, v.ZoneMap[0], mismatches[0].Zone)
}

func TestComputeZoneCRCIsLocalToItsZone(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	image := blankImage(t, v)

	before, err := calibration.ComputeZoneCRC(image, v.ZoneMap[1])
	require.NoError(t, err)

	// Mutating zone 0 must not change zone 1's CRC.
	image[v.ZoneMap[0].Start] ^= 0xFF
	after, err := calibration.ComputeZoneCRC(image, v.ZoneMap[1])
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

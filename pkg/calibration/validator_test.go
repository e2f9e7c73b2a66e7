package calibration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openflash/n54ecu/pkg/calibration"
)

func stockAndCandidate(t *testing.T, v calibration.Variant) (stock, candidate []byte) {
	t.Helper()
	stock = make([]byte, v.ImageSize)
	for i := range stock {
		stock[i] = 0x42
	}
	candidate = append([]byte(nil), stock...)
	return stock, candidate
}

func TestValidateAcceptsCleanDiffWithinValidatedMap(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	stock, candidate := stockAndCandidate(t, v)

	entry := v.Validated[0]
	candidate[entry.Start] = 0x99

	result, rej := calibration.Validate(candidate, stock, v)
	require.Nil(t, rej)
	assert.Empty(t, result.Warnings)
}

func TestValidateRejectsForbiddenRegionDiff(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	stock, candidate := stockAndCandidate(t, v)

	candidate[v.Forbidden[0].Start] = 0x01

	_, rej := calibration.Validate(candidate, stock, v)
	require.NotNil(t, rej)
	assert.Equal(t, "forbidden-region", rej.Layer)
}

func TestValidateRejectsBlacklistDiff(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	stock, candidate := stockAndCandidate(t, v)

	// Pick a blacklist offset that doesn't also sit in a forbidden region
	// so layer 1 doesn't reject first and mask layer 2.
	offset := v.Blacklist[0].Start
	isForbidden := false
	for _, r := range v.Forbidden {
		if r.Start <= offset && offset < r.End {
			isForbidden = true
		}
	}
	if isForbidden {
		t.Skip("blacklist region overlaps a forbidden region in this variant")
	}
	candidate[offset] = 0x01

	_, rej := calibration.Validate(candidate, stock, v)
	require.NotNil(t, rej)
	assert.Equal(t, "blacklist", rej.Layer)
}

func TestValidateWarnsOnUnclassifiedDiff(t *testing.T) {
	v, err := calibration.Lookup("MSD81")
	require.NoError(t, err)
	stock, candidate := stockAndCandidate(t, v)

	offset := v.CalibrationStart + 5 // inside calibration, outside any ValidatedMap entry
	candidate[offset] = 0x01

	result, rej := calibration.Validate(candidate, stock, v)
	require.Nil(t, rej)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, int(offset), result.Warnings[0].Offset)
}

func TestValidateRejectsWrongSize(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	_, rej := calibration.Validate(make([]byte, 10), nil, v)
	require.NotNil(t, rej)
	assert.Equal(t, "size", rej.Layer)
}

func TestValidateRejectsAllZero(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	_, rej := calibration.Validate(make([]byte, v.ImageSize), nil, v)
	require.NotNil(t, rej)
	assert.Equal(t, "all-zero", rej.Layer)
}

func TestValidateRejectsAllFF(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	candidate := make([]byte, v.ImageSize)
	for i := range candidate {
		candidate[i] = 0xFF
	}
	_, rej := calibration.Validate(candidate, nil, v)
	require.NotNil(t, rej)
	assert.Equal(t, "all-0xff", rej.Layer)
}

func TestValidateWithoutStockRejectsNonFFInForbiddenRegion(t *testing.T) {
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)
	candidate := make([]byte, v.ImageSize)
	for i := range candidate {
		candidate[i] = 0xFF
	}
	candidate[v.Forbidden[0].Start] = 0x00 // not all-0xFF, and non-FF in forbidden region
	_, rej := calibration.Validate(candidate, nil, v)
	require.NotNil(t, rej)
	assert.Equal(t, "forbidden-region", rej.Layer)
}

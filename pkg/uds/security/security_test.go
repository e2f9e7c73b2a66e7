package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openflash/n54ecu/pkg/uds/security"
)

func TestStandardAlgorithmsAreDeterministic(t *testing.T) {
	for _, alg := range security.Standard() {
		alg := alg
		t.Run(alg.Name, func(t *testing.T) {
			got1 := alg.Compute(0x12345678)
			got2 := alg.Compute(0x12345678)
			assert.Equal(t, got1, got2)
		})
	}
}

func TestStandardAlgorithmsDisagree(t *testing.T) {
	algs := security.Standard()
	seed := uint32(0xCAFEBABE)
	seen := make(map[uint32]bool)
	for _, alg := range algs {
		key := alg.Compute(seed)
		assert.False(t, seen[key], "algorithm %s collided with another on seed x%x", alg.Name, seed)
		seen[key] = true
	}
}

func TestResolveOrdersByName(t *testing.T) {
	order, err := security.Resolve([]string{"B", "A", "RFTX"})
	require.NoError(t, err)
	require.Len(t, order, 3)
	assert.Equal(t, "B", order[0].Name)
	assert.Equal(t, "A", order[1].Name)
	assert.Equal(t, "RFTX", order[2].Name)
}

func TestResolveRejectsUnknownAlgorithm(t *testing.T) {
	_, err := security.Resolve([]string{"A", "D"})
	assert.Error(t, err)
}

func TestResolveRejectsEmptyOrder(t *testing.T) {
	_, err := security.Resolve(nil)
	assert.Error(t, err)
}

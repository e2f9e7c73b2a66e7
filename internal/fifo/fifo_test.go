package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	f := New(16)
	n := f.Write([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, f.Occupied())

	buf := make([]byte, 5)
	n = f.Read(buf)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, 0, f.Occupied())
}

func TestWriteStopsAtCapacity(t *testing.T) {
	f := New(4) // usable capacity is size-1
	n := f.Write([]byte{1, 2, 3, 4, 5})
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, f.Space())
}

func TestResetClearsState(t *testing.T) {
	f := New(8)
	f.Write([]byte{1, 2, 3})
	f.Reset()
	assert.Equal(t, 0, f.Occupied())
	assert.Equal(t, 7, f.Space())
}

func TestWrapsAroundBuffer(t *testing.T) {
	f := New(4)
	f.Write([]byte{1, 2, 3})
	out := make([]byte, 2)
	f.Read(out)
	n := f.Write([]byte{4, 5})
	assert.Equal(t, 2, n)
	rest := make([]byte, 3)
	got := f.Read(rest)
	assert.Equal(t, 3, got)
	assert.Equal(t, []byte{3, 4, 5}, rest)
}

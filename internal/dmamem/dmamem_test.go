package dmamem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocReturnsRequestedSizeAndAlignedBusBase(t *testing.T) {
	a := NewAllocator(0x1000)

	r, err := a.Alloc(512, 2048)
	require.NoError(t, err)
	defer r.Free()

	assert.Len(t, r.Bytes(), 512)

	addr, err := r.BusAddress(0)
	require.NoError(t, err)
	assert.Zero(t, addr%2048, "bus base must honor the requested alignment")
}

func TestAllocAdvancesBusBaseBetweenAllocations(t *testing.T) {
	a := NewAllocator(0)

	r1, err := a.Alloc(64, pageSize)
	require.NoError(t, err)
	defer r1.Free()
	r2, err := a.Alloc(64, pageSize)
	require.NoError(t, err)
	defer r2.Free()

	addr1, err := r1.BusAddress(0)
	require.NoError(t, err)
	addr2, err := r2.BusAddress(0)
	require.NoError(t, err)
	assert.Less(t, addr1, addr2, "the second allocation must not overlap the first's bus range")
}

func TestBusAddressOffsetWithinRegion(t *testing.T) {
	a := NewAllocator(0)
	r, err := a.Alloc(256, pageSize)
	require.NoError(t, err)
	defer r.Free()

	base, err := r.BusAddress(0)
	require.NoError(t, err)
	at100, err := r.BusAddress(100)
	require.NoError(t, err)
	assert.Equal(t, base+100, at100)
}

func TestBusAddressRejectsOutOfRangeOffset(t *testing.T) {
	a := NewAllocator(0)
	r, err := a.Alloc(64, pageSize)
	require.NoError(t, err)
	defer r.Free()

	_, err = r.BusAddress(65)
	assert.Error(t, err)
	_, err = r.BusAddress(-1)
	assert.Error(t, err)
}

func TestFreeIsIdempotent(t *testing.T) {
	a := NewAllocator(0)
	r, err := a.Alloc(64, pageSize)
	require.NoError(t, err)

	require.NoError(t, r.Free())
	assert.NoError(t, r.Free())
}

func TestBytesAreWritable(t *testing.T) {
	a := NewAllocator(0)
	r, err := a.Alloc(16, pageSize)
	require.NoError(t, err)
	defer r.Free()

	b := r.Bytes()
	for i := range b {
		b[i] = byte(i)
	}
	for i, v := range r.Bytes() {
		assert.Equal(t, byte(i), v)
	}
}

package field

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroIsEmptySentinel(t *testing.T) {
	z := Zero()
	assert.True(t, z.IsZero())
	assert.Equal(t, "0x"+strings.Repeat("0", 64), z.Hex())
}

func TestFromHexRoundTrip(t *testing.T) {
	e, err := FromHex("0x2a")
	require.NoError(t, err)
	assert.False(t, e.IsZero())
	assert.Equal(t, uint64(42), e.Big().Uint64())

	back, err := FromHex(e.Hex())
	require.NoError(t, err)
	assert.True(t, e.Equal(back))
}

func TestFromHexRejectsOutOfRange(t *testing.T) {
	tooBig := new(big.Int).Add(Modulus, big.NewInt(1))
	_, err := FromHex(tooBig.Text(16))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestFromBytesRejectsOutOfRange(t *testing.T) {
	var b [32]byte
	for i := range b {
		b[i] = 0xff
	}
	_, err := FromBytes(b[:])
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestPoseidonIsDeterministicAndOrderSensitive(t *testing.T) {
	a := FromUint64(1)
	b := FromUint64(2)

	h1, err := Poseidon(a, b)
	require.NoError(t, err)
	h2, err := Poseidon(a, b)
	require.NoError(t, err)
	assert.True(t, h1.Equal(h2))

	h3, err := Poseidon(b, a)
	require.NoError(t, err)
	assert.False(t, h1.Equal(h3))
}

func TestBytesRoundTrip(t *testing.T) {
	e := FromUint64(123456789)
	b := e.Bytes()
	back, err := FromBytes(b[:])
	require.NoError(t, err)
	assert.True(t, e.Equal(back))
}

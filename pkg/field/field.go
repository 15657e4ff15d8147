// Package field implements the 256-bit field element type identity
// commitments and Merkle tree nodes are expressed in, and the arity-2
// Poseidon hash oracle the tree is built over.
package field

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// Modulus is the BN254 scalar field prime, the field go-iden3-crypto's
// Poseidon implementation operates over.
var Modulus, _ = new(big.Int).SetString(
	"21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

var (
	ErrOutOfRange = errors.New("field: value is not less than the field modulus")
	ErrBadHex     = errors.New("field: malformed hex string")
)

// Element is a value in the BN254 scalar field. The zero value is the
// reserved "empty slot" sentinel used throughout the tree.
type Element struct {
	v *big.Int
}

// Zero is the empty-leaf sentinel.
func Zero() Element {
	return Element{v: new(big.Int)}
}

// IsZero reports whether e is the empty-leaf sentinel.
func (e Element) IsZero() bool {
	return e.v == nil || e.v.Sign() == 0
}

// FromBigInt wraps v, reducing modulo Modulus. v is not mutated.
func FromBigInt(v *big.Int) Element {
	r := new(big.Int).Mod(v, Modulus)
	return Element{v: r}
}

// FromUint64 lifts a small integer into the field, e.g. for leaf indices
// used as Poseidon inputs.
func FromUint64(v uint64) Element {
	return Element{v: new(big.Int).SetUint64(v)}
}

// FromHex parses a "0x"-prefixed or bare hex string into an Element,
// rejecting values at or above Modulus.
func FromHex(s string) (Element, error) {
	s = trimHexPrefix(s)
	if s == "" {
		return Zero(), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return Element{}, ErrBadHex
	}
	if v.Cmp(Modulus) >= 0 {
		return Element{}, fmt.Errorf("%w: %s", ErrOutOfRange, s)
	}
	return Element{v: v}, nil
}

// FromBytes interprets b as a big-endian integer, rejecting values at or
// above Modulus.
func FromBytes(b []byte) (Element, error) {
	v := new(big.Int).SetBytes(b)
	if v.Cmp(Modulus) >= 0 {
		return Element{}, ErrOutOfRange
	}
	return Element{v: v}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Big returns the underlying integer. The caller must not mutate it.
func (e Element) Big() *big.Int {
	if e.v == nil {
		return new(big.Int)
	}
	return e.v
}

// Bytes returns the canonical 32-byte big-endian encoding.
func (e Element) Bytes() [32]byte {
	var out [32]byte
	if e.v == nil {
		return out
	}
	b := e.v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// Hex returns the canonical "0x"-prefixed, zero-padded 64-hex-digit
// representation.
func (e Element) Hex() string {
	b := e.Bytes()
	return "0x" + hex.EncodeToString(b[:])
}

// Equal reports whether e and o represent the same field element.
func (e Element) Equal(o Element) bool {
	return e.Big().Cmp(o.Big()) == 0
}

// String implements fmt.Stringer for logging.
func (e Element) String() string {
	return e.Hex()
}

// Poseidon is the fixed arity-2 hash oracle H(a, b) the Tree State is built
// over, delegating to the upstream go-iden3-crypto implementation.
func Poseidon(a, b Element) (Element, error) {
	out, err := poseidon.Hash([]*big.Int{a.Big(), b.Big()})
	if err != nil {
		return Element{}, fmt.Errorf("field: poseidon hash: %w", err)
	}
	return FromBigInt(out), nil
}

// MustPoseidon is Poseidon, panicking on error. The hash oracle is treated
// as infallible for well-formed field elements; a panic here indicates a
// library-level invariant violation, not a data error.
func MustPoseidon(a, b Element) Element {
	out, err := Poseidon(a, b)
	if err != nil {
		panic(err)
	}
	return out
}

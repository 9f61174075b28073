// Package hashing is the circuit-friendly hash primitive behind every Merkle
// node and document commitment: Poseidon2 over the BN254 scalar field.
package hashing

import (
	"encoding/binary"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
	"github.com/zeebo/blake3"
)

// Field is an element of the BN254 scalar field.
type Field = fr.Element

// Size is the width of a serialized field element.
const Size = fr.Bytes

// Width 2 with 6 full and 50 partial rounds is the BN254 two-to-one configuration.
var permutation = poseidon2.NewPermutation(2, 6, 50)

// Hash combines a left and right child into their parent.
func Hash(left, right Field) Field {
	l := left.Bytes()
	r := right.Bytes()
	out, err := permutation.Compress(l[:], r[:])
	if err != nil {
		// both inputs are canonical encodings produced by Bytes
		panic(fmt.Sprintf("poseidon2 compress: %v", err))
	}
	var res Field
	res.SetBytes(out)
	return res
}

// HashMany folds elements left to right starting from zero and binds the
// element count last, so inputs of different lengths cannot collide by padding.
func HashMany(elements []Field) Field {
	var acc Field
	for _, e := range elements {
		acc = Hash(acc, e)
	}
	return Hash(acc, FromUint64(uint64(len(elements))))
}

func FromUint64(v uint64) Field {
	var f Field
	f.SetUint64(v)
	return f
}

func FromInt64(v int64) Field {
	var f Field
	f.SetInt64(v)
	return f
}

func FromBool(v bool) Field {
	if v {
		return FromUint64(1)
	}
	return Field{}
}

// FromBytes maps arbitrary bytes into the field through a blake3 digest.
// The digest is truncated to 31 bytes so the result is always canonical.
func FromBytes(data []byte) Field {
	sum := blake3.Sum256(data)
	var f Field
	f.SetBytes(sum[:Size-1])
	return f
}

// FromString commits a string by its UTF-8 bytes, length-prefixed.
func FromString(s string) Field {
	buf := make([]byte, 8+len(s))
	binary.BigEndian.PutUint64(buf, uint64(len(s)))
	copy(buf[8:], s)
	return FromBytes(buf)
}

// ParseDecimal reads a field element from its decimal representation.
func ParseDecimal(s string) (Field, error) {
	var f Field
	if _, err := f.SetString(s); err != nil {
		return Field{}, fmt.Errorf("parse field element %q: %w", s, err)
	}
	return f, nil
}

// Encode serializes f as a fixed-width big-endian scalar.
func Encode(f Field) []byte {
	b := f.Bytes()
	return b[:]
}

// Decode is the inverse of Encode and rejects non-canonical input.
func Decode(b []byte) (Field, error) {
	var f Field
	if len(b) != Size {
		return Field{}, fmt.Errorf("field element must be %d bytes, got %d", Size, len(b))
	}
	if err := f.SetBytesCanonical(b); err != nil {
		return Field{}, fmt.Errorf("decode field element: %w", err)
	}
	return f, nil
}

// ZeroHashes returns the canonical empty-subtree hash for every level of a
// tree of the given height: z[0] = 0, z[l] = H(z[l-1], z[l-1]).
func ZeroHashes(height int) []Field {
	zeros := make([]Field, height)
	for level := 1; level < height; level++ {
		zeros[level] = Hash(zeros[level-1], zeros[level-1])
	}
	return zeros
}

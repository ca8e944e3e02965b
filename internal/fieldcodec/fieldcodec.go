// Package fieldcodec encodes a schema-defined record of
// typed fields into a deterministic, fixed-length byte string over the
// BN254 scalar field. Every slot is 32 bytes; a schema of N fields encodes
// to exactly 32*N bytes.
package fieldcodec

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// Modulus is the BN254 scalar field order.
var Modulus, _ = new(big.Int).SetString(
	"21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

// SlotSize is the fixed width, in bytes, of every encoded field.
const SlotSize = 32

// Encoding identifies how a field's input value is mapped into its slot.
type Encoding string

const (
	ShortString Encoding = "shortString"
	SHA256      Encoding = "sha256"
	UInt        Encoding = "uint"
)

// ErrStringTooLong is returned when a shortString input exceeds 31 bytes.
var ErrStringTooLong = errors.New("fieldcodec: string exceeds 31 bytes")

// ErrUIntOutOfRange is returned when a uint input is negative or >= p.
var ErrUIntOutOfRange = errors.New("fieldcodec: uint value out of range")

// FieldSpec describes one ordered field in a schema.
type FieldSpec struct {
	Name     string
	Encoding Encoding
	// JSType is an optional typing hint for the decoder side; it has no
	// bearing on the encoded bytes.
	JSType string
}

// Schema is an ordered sequence of field specs. Field i occupies
// bytes [32*i, 32*i+32) of the encoded output.
type Schema []FieldSpec

// ByteLength returns 32 * len(schema).
func (s Schema) ByteLength() int {
	return SlotSize * len(s)
}

// Value is one field's input: a string for shortString/sha256, a uint64
// for uint, or IsNull for the zero sentinel. For shortString/sha256 fields
// the empty string is likewise treated as the sentinel.
type Value struct {
	Str  string
	UInt uint64
	// IsNull marks the field as absent (null/missing), forcing the
	// all-zero sentinel slot regardless of Encoding.
	IsNull bool
	// HasUInt records that a uint value was supplied (UIntValue sets it).
	// The codec never reads it: uint(0) and null encode to the same 32
	// zero bytes either way (the documented collision).
	HasUInt bool
}

// Null returns the sentinel Value.
func Null() Value { return Value{IsNull: true} }

// Str returns a shortString/sha256 Value.
func Str(s string) Value { return Value{Str: s} }

// UIntValue returns a uint Value.
func UIntValue(v uint64) Value { return Value{UInt: v, HasUInt: true} }

// Encode concatenates the per-field encodings of values, in schema order,
// into a single byte slice of length schema.ByteLength().
func Encode(schema Schema, values []Value) ([]byte, error) {
	if len(values) != len(schema) {
		return nil, fmt.Errorf("fieldcodec: expected %d values, got %d", len(schema), len(values))
	}

	out := make([]byte, schema.ByteLength())
	for i, field := range schema {
		slot, err := encodeField(field, values[i])
		if err != nil {
			return nil, fmt.Errorf("fieldcodec: field %q: %w", field.Name, err)
		}
		copy(out[i*SlotSize:(i+1)*SlotSize], slot)
	}
	return out, nil
}

func encodeField(field FieldSpec, v Value) ([]byte, error) {
	if isSentinel(field.Encoding, v) {
		return make([]byte, SlotSize), nil
	}

	switch field.Encoding {
	case ShortString:
		b := []byte(v.Str)
		if len(b) > 31 {
			return nil, ErrStringTooLong
		}
		return leftPad(b), nil

	case SHA256:
		h := sha256.Sum256([]byte(v.Str))
		n := new(big.Int).SetBytes(h[:])
		n.Mod(n, Modulus)
		return leftPadBigInt(n), nil

	case UInt:
		n := new(big.Int).SetUint64(v.UInt)
		if n.Sign() < 0 || n.Cmp(Modulus) >= 0 {
			return nil, ErrUIntOutOfRange
		}
		return leftPadBigInt(n), nil

	default:
		return nil, fmt.Errorf("fieldcodec: unknown encoding %q", field.Encoding)
	}
}

// isSentinel reports whether v should encode to the all-zero slot: v is
// explicitly null, or a string-shaped field's string is empty. A uint
// field is never a sentinel purely because HasUInt is false — callers
// that want the null sentinel for a uint field must set IsNull, since
// uint(0) and null share the same 32 zero bytes.
func isSentinel(enc Encoding, v Value) bool {
	if v.IsNull {
		return true
	}
	switch enc {
	case ShortString, SHA256:
		return v.Str == ""
	case UInt:
		return false
	}
	return false
}

func leftPad(b []byte) []byte {
	out := make([]byte, SlotSize)
	copy(out[SlotSize-len(b):], b)
	return out
}

func leftPadBigInt(n *big.Int) []byte {
	b := n.Bytes()
	return leftPad(b)
}

// VerifySHA256 reports whether slot is the sha256 encoding of s, i.e.
// slot == SHA256(s) mod p, left-padded.
func VerifySHA256(s string, slot []byte) bool {
	h := sha256.Sum256([]byte(s))
	n := new(big.Int).SetBytes(h[:])
	n.Mod(n, Modulus)
	return leftPadEqual(leftPadBigInt(n), slot)
}

func leftPadEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DecodeShortString reverses a shortString slot back into its original
// string, trimming the left-padding zero bytes.
func DecodeShortString(slot []byte) string {
	i := 0
	for i < len(slot) && slot[i] == 0 {
		i++
	}
	return string(slot[i:])
}

// DecodeUInt reverses a uint slot back into its numeric value.
func DecodeUInt(slot []byte) uint64 {
	return new(big.Int).SetBytes(slot).Uint64()
}

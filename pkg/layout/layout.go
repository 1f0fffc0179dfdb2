// Package layout encodes and decodes the fixed little-endian account layouts
// used by the reward pool program. Every record occupies a type-fixed span;
// variable-length strings are stored as a 1-byte length prefix followed by a
// fixed reserved capacity, padded with zeros.
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// StringCapacity is the reserved capacity for every length-prefixed string field.
const StringCapacity = 32

// LayoutError reports malformed or oversized binary data, naming the field
// that failed.
type LayoutError struct {
	Field  string
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("layout: field %q: %s", e.Field, e.Reason)
}

// encoder writes fixed-layout fields into a preallocated span.
type encoder struct {
	buf []byte
	off int
}

func newEncoder(size int) *encoder {
	return &encoder{buf: make([]byte, size)}
}

func (e *encoder) putBool(v bool) {
	if v {
		e.buf[e.off] = 1
	}
	e.off++
}

func (e *encoder) putUint8(v uint8) {
	e.buf[e.off] = v
	e.off++
}

func (e *encoder) putUint64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
}

func (e *encoder) putPublicKey(v solana.PublicKey) {
	copy(e.buf[e.off:], v.Bytes())
	e.off += solana.PublicKeyLength
}

func (e *encoder) putString(field, v string) error {
	if len(v) > StringCapacity {
		return &LayoutError{Field: field, Reason: fmt.Sprintf("string length %d exceeds capacity %d", len(v), StringCapacity)}
	}
	e.buf[e.off] = uint8(len(v))
	copy(e.buf[e.off+1:], v)
	e.off += 1 + StringCapacity
	return nil
}

// decoder reads fixed-layout fields from a raw account buffer.
type decoder struct {
	buf []byte
	off int
}

func newDecoder(record string, buf []byte, span int) (*decoder, error) {
	if len(buf) < span {
		return nil, &LayoutError{Field: record, Reason: fmt.Sprintf("buffer length %d shorter than fixed span %d", len(buf), span)}
	}
	return &decoder{buf: buf}, nil
}

func (d *decoder) bool() bool {
	v := d.buf[d.off] != 0
	d.off++
	return v
}

func (d *decoder) uint8() uint8 {
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) uint64() uint64 {
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) publicKey() solana.PublicKey {
	v := solana.PublicKeyFromBytes(d.buf[d.off : d.off+solana.PublicKeyLength])
	d.off += solana.PublicKeyLength
	return v
}

func (d *decoder) string(field string) (string, error) {
	n := int(d.buf[d.off])
	if n > StringCapacity {
		return "", &LayoutError{Field: field, Reason: fmt.Sprintf("length prefix %d exceeds capacity %d", n, StringCapacity)}
	}
	v := string(d.buf[d.off+1 : d.off+1+n])
	d.off += 1 + StringCapacity
	return v, nil
}

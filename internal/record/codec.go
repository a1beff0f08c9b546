// Package record implements the fixed-layout binary encoding shared by every
// persisted entity: a kind tag and schema version byte, then fields in
// declaration order, little-endian, with strings length-prefixed.
package record

import (
	"encoding/binary"
	"math"

	errorsmod "cosmossdk.io/errors"

	"github.com/nexus-trading/volsettle/internal/errs"
)

// HeaderSize is the number of bytes preceding the first field.
const HeaderSize = 2

// Kind tags the entity type stored in a record.
type Kind byte

const (
	KindVolatilityStats Kind = iota + 1
	KindInstrumentConfig
	KindUserPosition
	KindPerpConfig
	KindPerpPosition
	KindVarianceMarket
	KindLedger
)

// Encoder appends fields to a byte slice.
type Encoder struct {
	buf []byte
}

// NewEncoder starts a record of the given kind and schema version.
func NewEncoder(kind Kind, version byte, sizeHint int) *Encoder {
	buf := make([]byte, 0, HeaderSize+sizeHint)
	buf = append(buf, byte(kind), version)
	return &Encoder{buf: buf}
}

func (e *Encoder) Uint64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *Encoder) Int64(v int64)   { e.Uint64(uint64(v)) }
func (e *Encoder) Uint16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) Float64(v float64) {
	e.Uint64(math.Float64bits(v))
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *Encoder) Byte(v byte) { e.buf = append(e.buf, v) }

// String writes a u16 length prefix followed by the bytes of s. Longer
// strings are truncated to 65535 bytes.
func (e *Encoder) String(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	e.Uint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// Bytes returns the encoded record.
func (e *Encoder) Bytes() []byte { return e.buf }

// Decoder reads fields in the order they were written. The first failure is
// sticky and reported by Err.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder validates the header of raw against kind and version.
func NewDecoder(raw []byte, kind Kind, version byte) *Decoder {
	d := &Decoder{buf: raw, off: HeaderSize}
	switch {
	case len(raw) < HeaderSize:
		d.err = errorsmod.Wrapf(errs.ErrSchemaMismatch, "record of %d bytes has no header", len(raw))
	case Kind(raw[0]) != kind:
		d.err = errorsmod.Wrapf(errs.ErrSchemaMismatch, "kind %d, want %d", raw[0], kind)
	case raw[1] != version:
		d.err = errorsmod.Wrapf(errs.ErrSchemaMismatch, "kind %d version %d, want %d", kind, raw[1], version)
	}
	return d
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = errorsmod.Wrapf(errs.ErrSchemaMismatch, "truncated record: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) Float64() float64 { return math.Float64frombits(d.Uint64()) }

func (d *Decoder) Byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool { return d.Byte() != 0 }

func (d *Decoder) String() string {
	n := int(d.Uint16())
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// Failed reports whether a read has already failed.
func (d *Decoder) Failed() bool { return d.err != nil }

// Err returns the first decoding failure. Trailing bytes are an error.
func (d *Decoder) Err() error {
	if d.err == nil && d.off != len(d.buf) {
		return errorsmod.Wrapf(errs.ErrSchemaMismatch, "%d trailing bytes", len(d.buf)-d.off)
	}
	return d.err
}

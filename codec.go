package pva

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Endian selects the byte order used by a Buffer/Decoder pair. The protocol
// negotiates this per-connection; tests exercise both.
type Endian int

const (
	BigEndian Endian = iota
	LittleEndian
)

func (e Endian) order() binary.ByteOrder {
	if e == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// roundUpTo256 rounds n up to the next multiple of 256, matching
// original_source/src/evhelper.cpp's VectorOutBuf::refill growth policy
// (`more = ((more-1)|0xff)+1`).
func roundUpTo256(n int) int {
	if n <= 0 {
		return 0
	}
	return ((n - 1) | 0xff) + 1
}

// Buffer is a growable output buffer with reservation+commit semantics: a
// write reserves space (growing the backing array in 256-byte multiples if
// needed) and commits it by advancing the write cursor. It carries an
// endian flag and a sticky fault bit, set instead of panicking so that a
// long sequence of writes can be aborted once and checked at the end.
//
// Grounded on evhelper.cpp's VectorOutBuf/EvOutBuf: this type plays the role
// of the in-process serialisation variant, since the real evbuffer-backed
// network buffer belongs to the connection layer, treated as external to
// this codec.
type Buffer struct {
	data   []byte
	endian Endian
	fault  bool
}

// NewBuffer returns an empty Buffer using the given byte order.
func NewBuffer(endian Endian) *Buffer {
	return &Buffer{endian: endian}
}

// Fault reports whether any write on this Buffer has failed.
func (b *Buffer) Fault() bool { return b.fault }

// Bytes returns the committed bytes written so far.
func (b *Buffer) Bytes() []byte { return b.data }

// reserve grows the backing array if needed and returns n bytes at the
// current write cursor, advancing it (this merges reserve+commit since Go
// slices make a separate commit step unnecessary once growth has happened).
func (b *Buffer) reserve(n int) []byte {
	if b.fault {
		return nil
	}
	end := len(b.data)
	need := end + n
	if need > cap(b.data) {
		grown := make([]byte, end, roundUpTo256(need))
		copy(grown, b.data)
		b.data = grown
	}
	b.data = b.data[:need]
	return b.data[end:need]
}

func (b *Buffer) PutUint8(v uint8) {
	dst := b.reserve(1)
	if dst == nil {
		return
	}
	dst[0] = v
}

func (b *Buffer) PutUint16(v uint16) {
	dst := b.reserve(2)
	if dst == nil {
		return
	}
	b.endian.order().PutUint16(dst, v)
}

func (b *Buffer) PutUint32(v uint32) {
	dst := b.reserve(4)
	if dst == nil {
		return
	}
	b.endian.order().PutUint32(dst, v)
}

func (b *Buffer) PutUint64(v uint64) {
	dst := b.reserve(8)
	if dst == nil {
		return
	}
	b.endian.order().PutUint64(dst, v)
}

func (b *Buffer) PutBytes(v []byte) {
	dst := b.reserve(len(v))
	if dst == nil {
		return
	}
	copy(dst, v)
}

// PutString encodes a length-prefixed string: a u32 byte count followed by
// the raw bytes. See DESIGN.md for why this departs from pvxs' variable-
// length size_t encoding; what matters here is that it round-trips and
// obeys the growth law.
func (b *Buffer) PutString(s string) {
	b.PutUint32(uint32(len(s)))
	b.PutBytes([]byte(s))
}

// PutStatus encodes a status: a success flag followed by a message string
// (empty when successful).
func (b *Buffer) PutStatus(success bool, msg string) {
	if success {
		b.PutUint8(1)
		return
	}
	b.PutUint8(0)
	b.PutString(msg)
}

// PutBitMask encodes a BitMask as a u32 count of set bits followed by one
// u32 per set bit index, in ascending order. Sparse valid-field masks in practice, so this
// is compact enough without packing individual bits.
func (b *Buffer) PutBitMask(mask BitMask) {
	set := mask.bitsSet()
	b.PutUint32(uint32(len(set)))
	for _, idx := range set {
		b.PutUint32(uint32(idx))
	}
}

// Decoder reads primitives from a fixed byte slice, in the same byte order
// a Buffer wrote them. Like Buffer it carries a sticky fault bit: a
// truncated read sets fault instead of panicking, mirroring EvInBuf's
// refill-on-fault behavior in evhelper.cpp. Since the transport in this
// module hands dispatch a complete logical frame at a time (see
// channel.go), Decoder has no incremental refill step of its own: once a
// Decoder is drained, further reads return zero values and set fault
// rather than panicking or looping.
type Decoder struct {
	data   []byte
	pos    int
	endian Endian
	fault  bool
}

// NewDecoder wraps data for sequential decoding in the given byte order.
func NewDecoder(data []byte, endian Endian) *Decoder {
	return &Decoder{data: data, endian: endian}
}

// Fault reports whether any read on this Decoder has failed.
func (d *Decoder) Fault() bool { return d.fault }

// Good reports the logical negation of Fault, matching the EvInBuf::good()
// naming used throughout clientmon.cpp's handle_MONITOR.
func (d *Decoder) Good() bool { return !d.fault }

// Empty reports whether all bytes have been consumed.
func (d *Decoder) Empty() bool { return d.pos >= len(d.data) }

// Remaining returns the unconsumed tail, without advancing the cursor.
func (d *Decoder) Remaining() []byte { return d.data[d.pos:] }

func (d *Decoder) take(n int) []byte {
	if d.fault || d.pos+n > len(d.data) {
		d.fault = true
		return nil
	}
	out := d.data[d.pos : d.pos+n]
	d.pos += n
	return out
}

func (d *Decoder) GetUint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) GetUint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return d.endian.order().Uint16(b)
}

func (d *Decoder) GetUint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return d.endian.order().Uint32(b)
}

func (d *Decoder) GetUint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return d.endian.order().Uint64(b)
}

func (d *Decoder) GetBytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *Decoder) GetString() string {
	n := d.GetUint32()
	if d.fault {
		return ""
	}
	return string(d.GetBytes(int(n)))
}

// GetStatus decodes a status written by PutStatus: (success, message, err).
// err wraps ErrProtocolFault if the Decoder faulted while reading it.
func (d *Decoder) GetStatus() (success bool, msg string, err error) {
	flag := d.GetUint8()
	if flag != 0 {
		return true, "", d.errIfFaulted()
	}
	msg = d.GetString()
	return false, msg, d.errIfFaulted()
}

// GetBitMask decodes a BitMask written by PutBitMask.
func (d *Decoder) GetBitMask() BitMask {
	n := d.GetUint32()
	mask := BitMask{}
	for i := uint32(0); i < n && !d.fault; i++ {
		mask.Set(int(d.GetUint32()))
	}
	return mask
}

func (d *Decoder) errIfFaulted() error {
	if d.fault {
		return errors.Wrap(ErrProtocolFault, "truncated frame")
	}
	return nil
}

// BitMask is a sparse set of field indices, used to mark which fields of a
// Value a delta update carries (and, for "overrun", which fields were
// dropped due to squashing upstream of this client).
type BitMask struct {
	bits map[int]struct{}
}

func (m *BitMask) Set(i int) {
	if m.bits == nil {
		m.bits = make(map[int]struct{})
	}
	m.bits[i] = struct{}{}
}

func (m BitMask) Has(i int) bool {
	_, ok := m.bits[i]
	return ok
}

func (m BitMask) bitsSet() []int {
	out := make([]int, 0, len(m.bits))
	for i := range m.bits {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

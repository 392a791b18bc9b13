package pva

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundUpTo256(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 0},
		{1, 256},
		{256, 256},
		{257, 512},
		{500, 512},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, roundUpTo256(c.in), "roundUpTo256(%d)", c.in)
	}
}

func TestBufferGrowsInMultiplesOf256(t *testing.T) {
	b := NewBuffer(BigEndian)
	b.PutBytes(make([]byte, 300))
	assert.Equal(t, 512, cap(b.data))
}

func TestBufferDecoderRoundTrip(t *testing.T) {
	b := NewBuffer(BigEndian)
	b.PutUint8(0x7)
	b.PutUint16(0xBEEF)
	b.PutUint32(0xDEADBEEF)
	b.PutUint64(0x1122334455667788)
	b.PutString("hello monitor")
	b.PutStatus(true, "")
	b.PutStatus(false, "bad request")

	mask := BitMask{}
	mask.Set(1)
	mask.Set(4)
	b.PutBitMask(mask)

	require.False(t, b.Fault())

	d := NewDecoder(b.Bytes(), BigEndian)
	assert.Equal(t, uint8(0x7), d.GetUint8())
	assert.Equal(t, uint16(0xBEEF), d.GetUint16())
	assert.Equal(t, uint32(0xDEADBEEF), d.GetUint32())
	assert.Equal(t, uint64(0x1122334455667788), d.GetUint64())
	assert.Equal(t, "hello monitor", d.GetString())

	ok, msg, err := d.GetStatus()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, msg)

	ok, msg, err = d.GetStatus()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "bad request", msg)

	got := d.GetBitMask()
	assert.True(t, got.Has(1))
	assert.True(t, got.Has(4))
	assert.False(t, got.Has(0))

	require.True(t, d.Good())
	assert.True(t, d.Empty())
}

func TestDecoderSetsFaultOnTruncation(t *testing.T) {
	d := NewDecoder([]byte{0x01, 0x02}, BigEndian)
	_ = d.GetUint32()
	assert.True(t, d.Fault())
	assert.False(t, d.Good())
}

func TestBitMaskEncodingIsDeterministic(t *testing.T) {
	mask := BitMask{}
	mask.Set(9)
	mask.Set(2)
	mask.Set(5)

	b1 := NewBuffer(BigEndian)
	b1.PutBitMask(mask)
	b2 := NewBuffer(BigEndian)
	b2.PutBitMask(mask)

	assert.Equal(t, b1.Bytes(), b2.Bytes())

	d := NewDecoder(b1.Bytes(), BigEndian)
	assert.Equal(t, uint32(3), d.GetUint32())
	assert.Equal(t, uint32(2), d.GetUint32())
	assert.Equal(t, uint32(5), d.GetUint32())
	assert.Equal(t, uint32(9), d.GetUint32())
}

func TestValueEncodeDecodeDelta(t *testing.T) {
	desc := &TypeDesc{
		Struct: "epics:nt/NTScalar:1.0",
		Fields: []FieldDesc{
			{Name: "value", Kind: FieldInt32},
			{Name: "timestamp", Kind: FieldFloat64},
			{Name: "alarm", Kind: FieldString},
		},
	}

	v := NewValue(desc)
	v.Set("value", int32(42))
	v.Set("timestamp", 1234.5)
	v.Set("alarm", "NO_ALARM")

	mask := BitMask{}
	mask.Set(0)
	mask.Set(2)

	b := NewBuffer(LittleEndian)
	v.EncodeDelta(b, mask)
	require.False(t, b.Fault())

	out := NewValue(desc)
	d := NewDecoder(b.Bytes(), LittleEndian)
	gotMask := out.DecodeValid(d)
	require.True(t, d.Good())

	assert.True(t, gotMask.Has(0))
	assert.True(t, gotMask.Has(2))
	assert.False(t, gotMask.Has(1))

	val, ok := out.Get("value")
	require.True(t, ok)
	assert.Equal(t, int32(42), val)

	_, ok = out.Get("timestamp")
	assert.False(t, ok)

	alarm, ok := out.Get("alarm")
	require.True(t, ok)
	assert.Equal(t, "NO_ALARM", alarm)
}

func TestValueAssignPreservesIdentity(t *testing.T) {
	desc := &TypeDesc{Fields: []FieldDesc{{Name: "value", Kind: FieldInt32}}}
	v := NewValue(desc)
	v.Set("value", int32(1))

	other := NewValue(desc)
	other.Set("value", int32(2))

	ptr := v
	v.Assign(other)

	got, _ := ptr.Get("value")
	assert.Equal(t, int32(2), got)
}

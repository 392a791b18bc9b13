package pva

import "math"

// FieldKind enumerates the scalar field types this module's minimal Value
// system supports. Real pvxs Values nest structures/unions/arrays; this
// stand-in only needs enough structure to exercise clone/assign/serialise,
// treating the field type system as otherwise opaque.
type FieldKind uint8

const (
	FieldInt32 FieldKind = iota
	FieldFloat64
	FieldString
)

// FieldDesc names and types one field of a TypeDesc.
type FieldDesc struct {
	Name string
	Kind FieldKind
}

// TypeDesc is the structured type descriptor sent in an INIT reply (the
// "prototype", GLOSSARY) and used to decode later compact updates. Two
// TypeDescs with the same Fields slice (by index) are wire-compatible.
type TypeDesc struct {
	Struct string
	Fields []FieldDesc
}

// EncodeDesc writes the type descriptor: struct name, field count, then
// each field's name and kind.
func (t *TypeDesc) EncodeDesc(b *Buffer) {
	b.PutString(t.Struct)
	b.PutUint32(uint32(len(t.Fields)))
	for _, f := range t.Fields {
		b.PutString(f.Name)
		b.PutUint8(uint8(f.Kind))
	}
}

// DecodeTypeDesc reads a type descriptor written by EncodeDesc.
func DecodeTypeDesc(d *Decoder) *TypeDesc {
	t := &TypeDesc{Struct: d.GetString()}
	n := d.GetUint32()
	t.Fields = make([]FieldDesc, 0, n)
	for i := uint32(0); i < n && !d.Fault(); i++ {
		name := d.GetString()
		kind := FieldKind(d.GetUint8())
		t.Fields = append(t.Fields, FieldDesc{Name: name, Kind: kind})
	}
	return t
}

// Value is a structured value decoded according to a TypeDesc: an ordered
// set of named scalar fields. It is the minimal stand-in for pvxs' dynamic
// Value system, exposing only the clone/assign/serialise hooks the monitor
// core actually needs.
type Value struct {
	desc   *TypeDesc
	fields map[string]any
}

// NewValue constructs an empty Value described by desc, with every field
// absent until set.
func NewValue(desc *TypeDesc) *Value {
	return &Value{desc: desc, fields: make(map[string]any)}
}

// Desc returns the TypeDesc this Value was constructed from.
func (v *Value) Desc() *TypeDesc { return v.desc }

// Set stores a field value by name. The caller is responsible for passing a
// Go value matching the field's declared FieldKind.
func (v *Value) Set(name string, val any) {
	v.fields[name] = val
}

// Get returns a field's value and whether it was present.
func (v *Value) Get(name string) (any, bool) {
	val, ok := v.fields[name]
	return val, ok
}

// CloneEmpty returns a new Value sharing this Value's TypeDesc but with no
// fields populated, matching pvxs' Value::cloneEmpty() used to allocate a
// fresh decode target for each incoming update (clientmon.cpp:
// "data = info->prototype.cloneEmpty()").
func (v *Value) CloneEmpty() *Value {
	return NewValue(v.desc)
}

// Assign replaces this Value's field contents in place with other's,
// without changing its identity: the operation Subscription.squashTail
// relies on to preserve queue position while replacing stale data,
// matching pvxs' Value::assign().
func (v *Value) Assign(other *Value) {
	v.desc = other.desc
	v.fields = other.fields
}

// EncodeFull writes every field of desc, in declared order, regardless of
// which are actually set (absent fields encode as the kind's zero value).
func (v *Value) EncodeFull(b *Buffer) {
	for _, f := range v.desc.Fields {
		v.encodeField(b, f)
	}
}

// EncodeDelta writes only the fields named by mask (by field index in
// desc.Fields), alongside the mask itself, matching the valid-fields
// bitmask + selected-field wire shape of a compact update.
func (v *Value) EncodeDelta(b *Buffer, mask BitMask) {
	b.PutBitMask(mask)
	for i, f := range v.desc.Fields {
		if mask.Has(i) {
			v.encodeField(b, f)
		}
	}
}

func (v *Value) encodeField(b *Buffer, f FieldDesc) {
	val := v.fields[f.Name]
	switch f.Kind {
	case FieldInt32:
		n, _ := val.(int32)
		b.PutUint32(uint32(n))
	case FieldFloat64:
		f64, _ := val.(float64)
		b.PutUint64(math.Float64bits(f64))
	case FieldString:
		s, _ := val.(string)
		b.PutString(s)
	}
}

// DecodeValid reads the fields named by a valid-fields bitmask (as written
// by EncodeDelta) into v, leaving fields absent from the mask untouched.
func (v *Value) DecodeValid(d *Decoder) BitMask {
	mask := d.GetBitMask()
	for i, f := range v.desc.Fields {
		if !mask.Has(i) {
			continue
		}
		switch f.Kind {
		case FieldInt32:
			v.fields[f.Name] = int32(d.GetUint32())
		case FieldFloat64:
			v.fields[f.Name] = math.Float64frombits(d.GetUint64())
		case FieldString:
			v.fields[f.Name] = d.GetString()
		}
	}
	return mask
}

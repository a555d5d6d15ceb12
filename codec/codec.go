// Package codec marshals binary wire structures described declaratively as
// an ordered list of fields. Variable sizes and derived values are integer
// expressions over sibling fields, resolved left to right on every encode and
// decode.
package codec

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"unicode/utf16"
)

type kind uint8

const (
	kindUint8 kind = iota
	kindUint16
	kindUint32
	kindUint64
	kindBytes
	kindUTF16
	kindUTF16Until
	kindStruct
	kindPad
	kindRemainder
)

func (k kind) integer() bool {
	return k <= kindUint64
}

// Field describes one member of a Structure.
type Field struct {
	name   string
	kind   kind
	order  binary.ByteOrder
	size   Expr
	limit  int
	derive Expr
	nested *Structure
}

func (f Field) Name() string {
	return f.name
}

func Uint8(name string) Field {
	return Field{name: name, kind: kindUint8}
}

func Uint16LE(name string) Field {
	return Field{name: name, kind: kindUint16, order: binary.LittleEndian}
}

func Uint32LE(name string) Field {
	return Field{name: name, kind: kindUint32, order: binary.LittleEndian}
}

func Uint32BE(name string) Field {
	return Field{name: name, kind: kindUint32, order: binary.BigEndian}
}

func Uint64LE(name string) Field {
	return Field{name: name, kind: kindUint64, order: binary.LittleEndian}
}

// Bytes is a raw byte field whose length is size.
func Bytes(name string, size Expr) Field {
	return Field{name: name, kind: kindBytes, size: size}
}

// UTF16 is a little-endian UTF-16 string occupying size bytes. No
// terminator is implied.
func UTF16(name string, size Expr) Field {
	return Field{name: name, kind: kindUTF16, size: size}
}

// UTF16Until is a little-endian UTF-16 string that ends at the first NUL
// code unit or after limit bytes. The NUL is not consumed; a following Pad
// field is expected to cover it.
func UTF16Until(name string, limit int) Field {
	return Field{name: name, kind: kindUTF16Until, limit: limit}
}

// Struct embeds another structure. When encoding, the value may be a Record
// or anything implementing Recorder.
func Struct(name string, s *Structure) Field {
	return Field{name: name, kind: kindStruct, nested: s}
}

// Pad is size zero bytes. The encoded content is always recomputed, any
// value stored under name is ignored.
func Pad(name string, size Expr) Field {
	return Field{name: name, kind: kindPad, size: size}
}

// Remainder consumes the rest of the input. It must be the last field.
func Remainder(name string) Field {
	return Field{name: name, kind: kindRemainder}
}

// Derived makes an integer field computed from e at encode time. The value
// supplied by the caller, if any, is ignored.
func (f Field) Derived(e Expr) Field {
	f.derive = e
	return f
}

func (f Field) width() int {
	switch f.kind {
	case kindUint8:
		return 1
	case kindUint16:
		return 2
	case kindUint32:
		return 4
	case kindUint64:
		return 8
	}
	return 0
}

func (f Field) max() uint64 {
	if f.kind == kindUint64 {
		return ^uint64(0)
	}
	return 1<<(8*f.width()) - 1
}

// Recorder is implemented by values that can be encoded as a nested
// structure.
type Recorder interface {
	Record() Record
}

// Structure is an immutable, validated structure definition. It is safe for
// concurrent use.
type Structure struct {
	name   string
	fields []Field
	index  map[string]int
}

// New validates fields and returns the structure. Size expressions may only
// reference fields declared before them. Derived expressions may reference
// any field whose value comes from the caller, or earlier derived fields.
func New(name string, fields ...Field) (*Structure, error) {
	s := &Structure{name: name, fields: slices.Clone(fields), index: make(map[string]int, len(fields))}
	for i, f := range s.fields {
		if f.name == "" {
			return nil, fmt.Errorf("codec: %s: field %d has no name", name, i)
		}
		if _, dup := s.index[f.name]; dup {
			return nil, fmt.Errorf("codec: %s: duplicate field %q", name, f.name)
		}
		s.index[f.name] = i

		switch f.kind {
		case kindBytes, kindUTF16, kindPad:
			if !f.size.defined() {
				return nil, fmt.Errorf("codec: %s.%s: missing size expression", name, f.name)
			}
		case kindStruct:
			if f.nested == nil {
				return nil, fmt.Errorf("codec: %s.%s: missing nested structure", name, f.name)
			}
		case kindRemainder:
			if i != len(s.fields)-1 {
				return nil, fmt.Errorf("codec: %s.%s: remainder must be the last field", name, f.name)
			}
		case kindUTF16Until:
			if f.limit <= 0 {
				return nil, fmt.Errorf("codec: %s.%s: limit must be positive", name, f.name)
			}
		}
		if f.derive.defined() && !f.kind.integer() {
			return nil, fmt.Errorf("codec: %s.%s: only integer fields can be derived", name, f.name)
		}

		for _, ref := range f.size.refs {
			j, ok := s.index[ref]
			if !ok || j >= i {
				return nil, fmt.Errorf("codec: %s.%s: size references %q which is not declared earlier", name, f.name, ref)
			}
		}
	}

	for i, f := range s.fields {
		for _, ref := range f.derive.refs {
			j, ok := s.index[ref]
			if !ok {
				return nil, fmt.Errorf("codec: %s.%s: derived value references unknown field %q", name, f.name, ref)
			}
			if j == i {
				return nil, fmt.Errorf("codec: %s.%s: derived value references itself", name, f.name)
			}
			if j > i && s.fields[j].derive.defined() {
				return nil, fmt.Errorf("codec: %s.%s: derived value references later derived field %q", name, f.name, ref)
			}
		}
	}
	return s, nil
}

// MustNew is like New but panics on an invalid definition. It is meant for
// package level structure variables.
func MustNew(name string, fields ...Field) *Structure {
	s, err := New(name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Structure) Name() string {
	return s.name
}

// Marshal encodes r. Derived fields and padding are computed from the
// current values in r; r itself is not modified.
func (s *Structure) Marshal(r Record) ([]byte, error) {
	e := &encoder{
		structure: s.name,
		st:        &state{rec: maps.Clone(r), lens: make(map[string]int, len(s.fields))},
	}
	if e.st.rec == nil {
		e.st.rec = Record{}
	}
	for _, f := range s.fields {
		e.field(f)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// Unmarshal decodes data and reports how many bytes were consumed. Trailing
// bytes beyond the structure are left to the caller.
func (s *Structure) Unmarshal(data []byte) (Record, int, error) {
	d := &decoder{
		structure: s.name,
		data:      data,
		st:        &state{rec: make(Record, len(s.fields)), lens: make(map[string]int, len(s.fields))},
	}
	for _, f := range s.fields {
		d.field(f)
	}
	if d.err != nil {
		return nil, 0, d.err
	}
	return d.st.rec, d.off, nil
}

type encoder struct {
	structure string
	st        *state
	buf       []byte
	err       error
}

func (e *encoder) fail(f Field, format string, args ...any) {
	e.err = malformed(e.structure, f.name, format, args...)
}

func (e *encoder) size(f Field) (int, bool) {
	n, err := f.size.eval(e.st)
	if err != nil {
		e.fail(f, "size: %v", err)
		return 0, false
	}
	if n < 0 {
		e.fail(f, "negative size %d", n)
		return 0, false
	}
	return n, true
}

func (e *encoder) put(f Field, b []byte) {
	e.buf = append(e.buf, b...)
	e.st.lens[f.name] = len(b)
}

func (e *encoder) field(f Field) {
	if e.err != nil {
		return
	}

	switch f.kind {
	case kindUint8, kindUint16, kindUint32, kindUint64:
		var v uint64
		if f.derive.defined() {
			n, err := f.derive.eval(e.st)
			if err != nil {
				e.fail(f, "derived value: %v", err)
				return
			}
			if n < 0 {
				e.fail(f, "negative derived value %d", n)
				return
			}
			v = uint64(n)
		} else {
			var err error
			if v, err = e.st.uint(f.name); err != nil {
				e.fail(f, "%v", err)
				return
			}
		}
		if v > f.max() {
			e.fail(f, "value %d does not fit in %d bytes", v, f.width())
			return
		}
		e.st.rec[f.name] = typed(f.kind, v)
		e.put(f, putUint(f, v))

	case kindBytes:
		b, ok := e.st.rec[f.name].([]byte)
		if !ok && e.st.rec[f.name] != nil {
			e.fail(f, "want []byte, got %T", e.st.rec[f.name])
			return
		}
		n, ok := e.size(f)
		if !ok {
			return
		}
		if n != len(b) {
			e.fail(f, "size %d does not match value length %d", n, len(b))
			return
		}
		e.put(f, b)

	case kindUTF16, kindUTF16Until:
		str, ok := e.st.rec[f.name].(string)
		if !ok && e.st.rec[f.name] != nil {
			e.fail(f, "want string, got %T", e.st.rec[f.name])
			return
		}
		b := encodeUTF16(str)
		if f.kind == kindUTF16 {
			n, ok := e.size(f)
			if !ok {
				return
			}
			if n != len(b) {
				e.fail(f, "size %d does not match encoded length %d", n, len(b))
				return
			}
		} else {
			if len(b) > f.limit {
				e.fail(f, "encoded length %d exceeds limit %d", len(b), f.limit)
				return
			}
			if slices.Contains([]rune(str), 0) {
				e.fail(f, "string contains NUL")
				return
			}
		}
		e.put(f, b)

	case kindStruct:
		var nested Record
		switch v := e.st.rec[f.name].(type) {
		case Record:
			nested = v
		case Recorder:
			nested = v.Record()
		default:
			e.fail(f, "want nested record, got %T", v)
			return
		}
		b, err := f.nested.Marshal(nested)
		if err != nil {
			e.err = err
			return
		}
		e.put(f, b)

	case kindPad:
		n, ok := e.size(f)
		if !ok {
			return
		}
		pad := make([]byte, n)
		e.st.rec[f.name] = pad
		e.put(f, pad)

	case kindRemainder:
		b, ok := e.st.rec[f.name].([]byte)
		if !ok && e.st.rec[f.name] != nil {
			e.fail(f, "want []byte, got %T", e.st.rec[f.name])
			return
		}
		e.put(f, b)
	}
}

type decoder struct {
	structure string
	st        *state
	data      []byte
	off       int
	err       error
}

func (d *decoder) fail(f Field, format string, args ...any) {
	d.err = malformed(d.structure, f.name, format, args...)
}

func (d *decoder) take(f Field, n int) ([]byte, bool) {
	if n < 0 {
		d.fail(f, "negative size %d", n)
		return nil, false
	}
	if len(d.data)-d.off < n {
		d.fail(f, "need %d bytes, have %d", n, len(d.data)-d.off)
		return nil, false
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	d.st.lens[f.name] = n
	return b, true
}

func (d *decoder) size(f Field) (int, bool) {
	n, err := f.size.eval(d.st)
	if err != nil {
		d.fail(f, "size: %v", err)
		return 0, false
	}
	return n, true
}

func (d *decoder) field(f Field) {
	if d.err != nil {
		return
	}

	switch f.kind {
	case kindUint8, kindUint16, kindUint32, kindUint64:
		b, ok := d.take(f, f.width())
		if !ok {
			return
		}
		d.st.rec[f.name] = typed(f.kind, getUint(f, b))

	case kindBytes, kindPad:
		n, ok := d.size(f)
		if !ok {
			return
		}
		b, ok := d.take(f, n)
		if !ok {
			return
		}
		d.st.rec[f.name] = slices.Clone(b)

	case kindUTF16:
		n, ok := d.size(f)
		if !ok {
			return
		}
		if n%2 != 0 {
			d.fail(f, "odd UTF-16 length %d", n)
			return
		}
		b, ok := d.take(f, n)
		if !ok {
			return
		}
		d.st.rec[f.name] = decodeUTF16(b)

	case kindUTF16Until:
		avail := min(f.limit, len(d.data)-d.off) &^ 1
		n := avail
		for i := 0; i+1 < avail; i += 2 {
			if d.data[d.off+i] == 0 && d.data[d.off+i+1] == 0 {
				n = i
				break
			}
		}
		b, _ := d.take(f, n)
		d.st.rec[f.name] = decodeUTF16(b)

	case kindStruct:
		rec, n, err := f.nested.Unmarshal(d.data[d.off:])
		if err != nil {
			d.err = err
			return
		}
		d.off += n
		d.st.lens[f.name] = n
		d.st.rec[f.name] = rec

	case kindRemainder:
		b, _ := d.take(f, len(d.data)-d.off)
		d.st.rec[f.name] = slices.Clone(b)
	}
}

func typed(k kind, v uint64) any {
	switch k {
	case kindUint8:
		return uint8(v)
	case kindUint16:
		return uint16(v)
	case kindUint32:
		return uint32(v)
	}
	return v
}

func putUint(f Field, v uint64) []byte {
	b := make([]byte, f.width())
	switch f.kind {
	case kindUint8:
		b[0] = uint8(v)
	case kindUint16:
		f.order.PutUint16(b, uint16(v))
	case kindUint32:
		f.order.PutUint32(b, uint32(v))
	case kindUint64:
		f.order.PutUint64(b, v)
	}
	return b
}

func getUint(f Field, b []byte) uint64 {
	switch f.kind {
	case kindUint8:
		return uint64(b[0])
	case kindUint16:
		return uint64(f.order.Uint16(b))
	case kindUint32:
		return uint64(f.order.Uint32(b))
	}
	return f.order.Uint64(b)
}

func encodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

func decodeUTF16(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units))
}

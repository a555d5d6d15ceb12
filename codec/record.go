package codec

// Record maps field names to values. Integer fields decode as uint8, uint16,
// uint32 or uint64 matching their width, byte fields as []byte, strings as
// string and nested structures as Record.
type Record map[string]any

// The accessors below return the zero value when the field is missing or of
// another type.

func (r Record) Uint8(name string) uint8 {
	v, _ := r[name].(uint8)
	return v
}

func (r Record) Uint16(name string) uint16 {
	v, _ := r[name].(uint16)
	return v
}

func (r Record) Uint32(name string) uint32 {
	v, _ := r[name].(uint32)
	return v
}

func (r Record) Uint64(name string) uint64 {
	v, _ := r[name].(uint64)
	return v
}

func (r Record) Bytes(name string) []byte {
	v, _ := r[name].([]byte)
	return v
}

func (r Record) String(name string) string {
	v, _ := r[name].(string)
	return v
}

func (r Record) Record(name string) Record {
	v, _ := r[name].(Record)
	return v
}

// UUID reads a nested UUIDStructure field.
func (r Record) UUID(name string) UUID {
	return UUIDFromRecord(r.Record(name))
}

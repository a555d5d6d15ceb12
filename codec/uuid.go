package codec

import (
	"github.com/google/uuid"
)

// UUIDStructure is the wire layout of a UUID: 16 raw bytes in bytes_le
// order.
var UUIDStructure = MustNew("UUID", Bytes("raw", Const(16)))

// UUID is a 16-byte identifier in Microsoft bytes_le order: the first three
// groups are little-endian, the last two are kept as is.
type UUID [16]byte

// ParseUUID accepts the textual forms understood by github.com/google/uuid.
func ParseUUID(s string) (UUID, error) {
	g, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return FromStandard(g), nil
}

func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// NewRandomUUID returns a random version 4 UUID.
func NewRandomUUID() UUID {
	return FromStandard(uuid.New())
}

// FromStandard converts an RFC 4122 ordered UUID to bytes_le order.
func FromStandard(g uuid.UUID) UUID {
	return UUID(swapGroups(g))
}

// Standard converts u back to RFC 4122 byte order.
func (u UUID) Standard() uuid.UUID {
	return uuid.UUID(swapGroups(u))
}

func (u UUID) String() string {
	return u.Standard().String()
}

func (u UUID) IsZero() bool {
	return u == UUID{}
}

// Record implements Recorder.
func (u UUID) Record() Record {
	return Record{"raw": u[:]}
}

// UUIDFromRecord reads a record decoded with UUIDStructure.
func UUIDFromRecord(r Record) UUID {
	var u UUID
	copy(u[:], r.Bytes("raw"))
	return u
}

func swapGroups(b [16]byte) [16]byte {
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
	return b
}

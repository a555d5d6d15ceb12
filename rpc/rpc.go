// Package rpc implements the subset of connection oriented DCE/RPC (MS-RPCE)
// a KMS client speaks: bind negotiation and single fragment request and
// response PDUs.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xmdhs/kmsd/codec"
)

// Packet types.
const (
	PacketTypeRequest  = 0x00
	PacketTypeResponse = 0x02
	PacketTypeFault    = 0x03
	PacketTypeBind     = 0x0B
	PacketTypeBindAck  = 0x0C
	PacketTypeBindNak  = 0x0D
)

// Packet flags.
const (
	FlagFirstFrag  = 0x01
	FlagLastFrag   = 0x02
	FlagConcMpx    = 0x10
	FlagObjectUUID = 0x80
)

const (
	HeaderSize         = 16
	RequestHeaderSize  = 24
	ResponseHeaderSize = 24

	rpcVersion = 5
	// dataRepresentation is little-endian integers, ASCII and IEEE floats.
	dataRepresentation = 0x10
)

var (
	ErrUnrecognizedPacket = errors.New("rpc: unrecognized packet")
	ErrFragmentTooLarge   = errors.New("rpc: fragment exceeds limit")
)

func headerFields(fragLen codec.Field) []codec.Field {
	return []codec.Field{
		codec.Uint8("verMajor"),
		codec.Uint8("verMinor"),
		codec.Uint8("type"),
		codec.Uint8("flags"),
		codec.Uint32LE("representation"),
		fragLen,
		codec.Uint16LE("authLen"),
		codec.Uint32LE("callId"),
	}
}

func structure(name string, fragLen codec.Field, fields ...codec.Field) *codec.Structure {
	return codec.MustNew(name, append(headerFields(fragLen), fields...)...)
}

var headerStructure = structure("MSRPCHeader", codec.Uint16LE("fragLen"))

var requestStructure = structure("MSRPCRequest", codec.Uint16LE("fragLen"),
	codec.Uint32LE("allocHint"),
	codec.Uint16LE("ctxId"),
	codec.Uint16LE("opnum"),
	codec.Remainder("body"),
)

var responseStructure = structure("MSRPCResponse",
	codec.Uint16LE("fragLen").Derived(codec.Len("pduData").Plus(ResponseHeaderSize)),
	codec.Uint32LE("allocHint").Derived(codec.Len("pduData")),
	codec.Uint16LE("ctxId"),
	codec.Uint8("cancelCount"),
	codec.Uint8("reserved"),
	codec.Bytes("pduData", codec.Value("allocHint")),
)

// outgoingRequestStructure is the request a client sends: no object UUID
// and no authentication verifier.
var outgoingRequestStructure = structure("MSRPCRequest",
	codec.Uint16LE("fragLen").Derived(codec.Len("pduData").Plus(RequestHeaderSize)),
	codec.Uint32LE("allocHint").Derived(codec.Len("pduData")),
	codec.Uint16LE("ctxId"),
	codec.Uint16LE("opnum"),
	codec.Bytes("pduData", codec.Value("allocHint")),
)

// Header is the common header of every PDU.
type Header struct {
	VerMajor       uint8
	VerMinor       uint8
	Type           uint8
	Flags          uint8
	Representation uint32
	FragLen        uint16
	AuthLen        uint16
	CallID         uint32
}

func ParseHeader(packet []byte) (*Header, error) {
	rec, _, err := headerStructure.Unmarshal(packet)
	if err != nil {
		return nil, err
	}
	return headerFromRecord(rec), nil
}

func headerFromRecord(rec codec.Record) *Header {
	return &Header{
		VerMajor:       rec.Uint8("verMajor"),
		VerMinor:       rec.Uint8("verMinor"),
		Type:           rec.Uint8("type"),
		Flags:          rec.Uint8("flags"),
		Representation: rec.Uint32("representation"),
		FragLen:        rec.Uint16("fragLen"),
		AuthLen:        rec.Uint16("authLen"),
		CallID:         rec.Uint32("callId"),
	}
}

// record returns the header fields; fragLen is left to the structure.
func (h *Header) record() codec.Record {
	return codec.Record{
		"verMajor":       h.VerMajor,
		"verMinor":       h.VerMinor,
		"type":           h.Type,
		"flags":          h.Flags,
		"representation": h.Representation,
		"fragLen":        h.FragLen,
		"authLen":        h.AuthLen,
		"callId":         h.CallID,
	}
}

// Kind is what a packet asks the server to do.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindBind
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindBind:
		return "bind"
	case KindRequest:
		return "request"
	}
	return "unrecognized"
}

// Classify inspects only the common header.
func Classify(packet []byte) Kind {
	h, err := ParseHeader(packet)
	if err != nil || h.VerMajor != rpcVersion {
		return KindUnrecognized
	}
	switch h.Type {
	case PacketTypeBind:
		return KindBind
	case PacketTypeRequest:
		return KindRequest
	}
	return KindUnrecognized
}

// RequestHeader is the header of a request PDU.
type RequestHeader struct {
	Header
	AllocHint uint32
	CtxID     uint16
	OpNum     uint16
}

// ParseRequest returns the request header and its stub data. The stub ends
// before the authentication verifier, if any.
func ParseRequest(packet []byte) (*RequestHeader, []byte, error) {
	rec, _, err := requestStructure.Unmarshal(packet)
	if err != nil {
		return nil, nil, err
	}
	h := &RequestHeader{
		Header:    *headerFromRecord(rec),
		AllocHint: rec.Uint32("allocHint"),
		CtxID:     rec.Uint16("ctxId"),
		OpNum:     rec.Uint16("opnum"),
	}

	start := RequestHeaderSize
	if h.Flags&FlagObjectUUID != 0 {
		start += 16
	}
	end := int(h.FragLen) - int(h.AuthLen)
	if h.AuthLen > 0 {
		end -= 8
	}
	end = min(end, len(packet))
	if start >= end {
		return nil, nil, fmt.Errorf("request %d has no stub data: %w", h.CallID, codec.ErrMalformed)
	}
	return h, packet[start:end], nil
}

// WrapResponse builds the response PDU answering request with payload.
func WrapResponse(request []byte, payload []byte) ([]byte, error) {
	h, _, err := ParseRequest(request)
	if err != nil {
		return nil, err
	}
	rec := h.record()
	rec["type"] = uint8(PacketTypeResponse)
	rec["flags"] = uint8(FlagFirstFrag | FlagLastFrag)
	rec["authLen"] = uint16(0)
	rec["ctxId"] = h.CtxID
	rec["cancelCount"] = uint8(0)
	rec["reserved"] = uint8(0)
	rec["pduData"] = payload
	return responseStructure.Marshal(rec)
}

// BuildRequest wraps a KMS payload in a request PDU for the client.
func BuildRequest(payload []byte, callID uint32) ([]byte, error) {
	h := Header{
		VerMajor:       rpcVersion,
		Type:           PacketTypeRequest,
		Flags:          FlagFirstFrag | FlagLastFrag,
		Representation: dataRepresentation,
		CallID:         callID,
	}
	rec := h.record()
	rec["ctxId"] = uint16(0)
	rec["opnum"] = uint16(0)
	rec["pduData"] = payload
	return outgoingRequestStructure.Marshal(rec)
}

// ParseResponse returns the stub data of a response PDU.
func ParseResponse(packet []byte) ([]byte, error) {
	h, err := ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	if h.Type != PacketTypeResponse {
		return nil, fmt.Errorf("packet type 0x%02x: %w", h.Type, ErrUnrecognizedPacket)
	}
	rec, _, err := responseStructure.Unmarshal(packet)
	if err != nil {
		return nil, err
	}
	return rec.Bytes("pduData"), nil
}

// ReadPacket reads one fragment into buf, whose length bounds the fragment
// size, and returns the filled prefix.
func ReadPacket(r io.Reader, buf []byte) ([]byte, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("buffer of %d bytes: %w", len(buf), ErrFragmentTooLarge)
	}
	if _, err := io.ReadFull(r, buf[:HeaderSize]); err != nil {
		return nil, err
	}

	fragLen := int(binary.LittleEndian.Uint16(buf[8:10]))
	if fragLen > len(buf) {
		return nil, fmt.Errorf("fragment length %d, limit %d: %w", fragLen, len(buf), ErrFragmentTooLarge)
	}
	if fragLen <= HeaderSize {
		return buf[:HeaderSize], nil
	}
	if _, err := io.ReadFull(r, buf[HeaderSize:fragLen]); err != nil {
		return nil, err
	}
	return buf[:fragLen], nil
}

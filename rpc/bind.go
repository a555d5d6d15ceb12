package rpc

import (
	"fmt"
	"strconv"

	"github.com/xmdhs/kmsd/codec"
)

// Presentation context results.
const (
	ContResultAccept     = 0
	ContResultUserReject = 1
	ContResultProvReject = 2
	// ContResultNegotiateAck acknowledges bind time feature negotiation.
	ContResultNegotiateAck = 3
)

const (
	ctxItemSize       = 44
	ctxResultSize     = 24
	bindAckFixedSize  = 26
	assocGroup        = 0x1063bf3f
	clientMaxFragment = 5840
)

// Wire form of the transfer syntax identifiers.
var (
	UUIDNDR32 = [16]byte{0x04, 0x5d, 0x88, 0x8a, 0xeb, 0x1c, 0xc9, 0x11, 0x9f, 0xe8, 0x08, 0x00, 0x2b, 0x10, 0x48, 0x60}
	UUIDNDR64 = [16]byte{0x33, 0x05, 0x71, 0x71, 0xba, 0xbe, 0x37, 0x49, 0x83, 0x19, 0xb5, 0xdb, 0xef, 0x9c, 0xcc, 0x36}
	UUIDTime  = [16]byte{0x2c, 0x1c, 0xb7, 0x6c, 0x12, 0x98, 0x40, 0x45, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	UUIDEmpty = [16]byte{}

	// UUIDKMS is the KMS interface, 51c82175-844e-4750-b0d8-ec255555bc06.
	UUIDKMS = [16]byte{0x75, 0x21, 0xc8, 0x51, 0x4e, 0x84, 0x50, 0x47, 0xb0, 0xd8, 0xec, 0x25, 0x55, 0x55, 0xbc, 0x06}
)

var ctxItemStructure = codec.MustNew("CtxItem",
	codec.Uint16LE("contextId"),
	codec.Uint8("transItems"),
	codec.Uint8("pad"),
	codec.Bytes("abstractSyntax", codec.Const(16)),
	codec.Uint32LE("abstractSyntaxVer"),
	codec.Bytes("transferSyntax", codec.Const(16)),
	codec.Uint32LE("transferSyntaxVer"),
)

var ctxResultStructure = codec.MustNew("CtxResult",
	codec.Uint16LE("result"),
	codec.Uint16LE("reason"),
	codec.Bytes("transferSyntax", codec.Const(16)),
	codec.Uint32LE("transferSyntaxVer"),
)

var bindStructure = structure("MSRPCBind",
	codec.Uint16LE("fragLen").Derived(codec.Len("ctxItems").Plus(HeaderSize+12)),
	codec.Uint16LE("maxTFrag"),
	codec.Uint16LE("maxRFrag"),
	codec.Uint32LE("assocGroup"),
	codec.Uint8("ctxNum").Derived(codec.Map(codec.Len("ctxItems"), func(n int) int { return n / ctxItemSize })),
	codec.Uint8("reserved"),
	codec.Uint16LE("reserved2"),
	codec.Bytes("ctxItems", codec.Value("ctxNum").Times(ctxItemSize)),
)

// secondaryAddrPad aligns the result list that follows the secondary
// address on four bytes.
func secondaryAddrPad(n int) int {
	return (4 - ((n + bindAckFixedSize) % 4)) % 4
}

var bindAckStructure = structure("MSRPCBindAck",
	codec.Uint16LE("fragLen").Derived(codec.Sum(
		codec.Const(bindAckFixedSize),
		codec.Len("secondaryAddr"),
		codec.Map(codec.Len("secondaryAddr"), secondaryAddrPad),
		codec.Const(4),
		codec.Len("results"),
	)),
	codec.Uint16LE("maxTFrag"),
	codec.Uint16LE("maxRFrag"),
	codec.Uint32LE("assocGroup"),
	codec.Uint16LE("secondaryAddrLen").Derived(codec.Len("secondaryAddr")),
	codec.Bytes("secondaryAddr", codec.Value("secondaryAddrLen")),
	codec.Pad("pad", codec.Map(codec.Value("secondaryAddrLen"), secondaryAddrPad)),
	codec.Uint8("ctxNum").Derived(codec.Map(codec.Len("results"), func(n int) int { return n / ctxResultSize })),
	codec.Uint8("reserved"),
	codec.Uint16LE("reserved2"),
	codec.Bytes("results", codec.Value("ctxNum").Times(ctxResultSize)),
)

// CtxItem is one proposed presentation context of a bind.
type CtxItem struct {
	ContextID         uint16
	TransItems        uint8
	AbstractSyntax    [16]byte
	AbstractSyntaxVer uint32
	TransferSyntax    [16]byte
	TransferSyntaxVer uint32
}

// CtxResult answers one CtxItem.
type CtxResult struct {
	Result            uint16
	Reason            uint16
	TransferSyntax    [16]byte
	TransferSyntaxVer uint32
}

type BindRequest struct {
	Header
	MaxTFrag   uint16
	MaxRFrag   uint16
	AssocGroup uint32
	CtxItems   []CtxItem
}

type BindAck struct {
	Header
	MaxTFrag      uint16
	MaxRFrag      uint16
	AssocGroup    uint32
	SecondaryAddr string
	Results       []CtxResult
}

func ParseBind(packet []byte) (*BindRequest, error) {
	rec, _, err := bindStructure.Unmarshal(packet)
	if err != nil {
		return nil, err
	}
	b := &BindRequest{
		Header:     *headerFromRecord(rec),
		MaxTFrag:   rec.Uint16("maxTFrag"),
		MaxRFrag:   rec.Uint16("maxRFrag"),
		AssocGroup: rec.Uint32("assocGroup"),
	}
	items := rec.Bytes("ctxItems")
	for off := 0; off < len(items); off += ctxItemSize {
		r, _, err := ctxItemStructure.Unmarshal(items[off : off+ctxItemSize])
		if err != nil {
			return nil, err
		}
		item := CtxItem{
			ContextID:         r.Uint16("contextId"),
			TransItems:        r.Uint8("transItems"),
			AbstractSyntaxVer: r.Uint32("abstractSyntaxVer"),
			TransferSyntaxVer: r.Uint32("transferSyntaxVer"),
		}
		copy(item.AbstractSyntax[:], r.Bytes("abstractSyntax"))
		copy(item.TransferSyntax[:], r.Bytes("transferSyntax"))
		b.CtxItems = append(b.CtxItems, item)
	}
	return b, nil
}

// Negotiate picks the result for a proposed transfer syntax. NDR32 is the
// only syntax accepted; bind time feature negotiation is acknowledged.
func Negotiate(transferSyntax [16]byte) CtxResult {
	switch transferSyntax {
	case UUIDNDR32:
		return CtxResult{Result: ContResultAccept, TransferSyntax: UUIDNDR32, TransferSyntaxVer: 2}
	case UUIDTime:
		return CtxResult{Result: ContResultNegotiateAck, Reason: ContResultNegotiateAck}
	}
	return CtxResult{Result: ContResultProvReject, Reason: ContResultProvReject}
}

// BuildBindAck answers a bind, accepting its contexts per Negotiate. port
// is advertised as the secondary address.
func BuildBindAck(packet []byte, port int) ([]byte, error) {
	b, err := ParseBind(packet)
	if err != nil {
		return nil, err
	}

	results := []byte{}
	for _, item := range b.CtxItems {
		res := Negotiate(item.TransferSyntax)
		enc, err := ctxResultStructure.Marshal(codec.Record{
			"result":            res.Result,
			"reason":            res.Reason,
			"transferSyntax":    res.TransferSyntax[:],
			"transferSyntaxVer": res.TransferSyntaxVer,
		})
		if err != nil {
			return nil, err
		}
		results = append(results, enc...)
	}

	rec := b.Header.record()
	rec["type"] = uint8(PacketTypeBindAck)
	rec["flags"] = uint8(FlagFirstFrag | FlagLastFrag | FlagConcMpx)
	rec["maxTFrag"] = b.MaxTFrag
	rec["maxRFrag"] = b.MaxRFrag
	rec["assocGroup"] = uint32(assocGroup)
	rec["secondaryAddr"] = append([]byte(strconv.Itoa(port)), 0)
	rec["reserved"] = uint8(0)
	rec["reserved2"] = uint16(0)
	rec["results"] = results
	return bindAckStructure.Marshal(rec)
}

// BuildBind creates the bind a KMS client opens a connection with: the KMS
// interface over NDR32, plus bind time feature negotiation.
func BuildBind(callID uint32) ([]byte, error) {
	var items []byte
	for i, syntax := range []struct {
		uuid [16]byte
		ver  uint32
	}{{UUIDNDR32, 2}, {UUIDTime, 1}} {
		enc, err := ctxItemStructure.Marshal(codec.Record{
			"contextId":         uint16(i),
			"transItems":        uint8(1),
			"pad":               uint8(0),
			"abstractSyntax":    UUIDKMS[:],
			"abstractSyntaxVer": uint32(1),
			"transferSyntax":    syntax.uuid[:],
			"transferSyntaxVer": syntax.ver,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, enc...)
	}

	h := Header{
		VerMajor:       rpcVersion,
		Type:           PacketTypeBind,
		Flags:          FlagFirstFrag | FlagLastFrag | FlagConcMpx,
		Representation: dataRepresentation,
		CallID:         callID,
	}
	rec := h.record()
	rec["maxTFrag"] = uint16(clientMaxFragment)
	rec["maxRFrag"] = uint16(clientMaxFragment)
	rec["assocGroup"] = uint32(0)
	rec["reserved"] = uint8(0)
	rec["reserved2"] = uint16(0)
	rec["ctxItems"] = items
	return bindStructure.Marshal(rec)
}

// ParseBindAck decodes the server's answer to BuildBind.
func ParseBindAck(packet []byte) (*BindAck, error) {
	h, err := ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	if h.Type != PacketTypeBindAck {
		return nil, fmt.Errorf("packet type 0x%02x: %w", h.Type, ErrUnrecognizedPacket)
	}
	rec, _, err := bindAckStructure.Unmarshal(packet)
	if err != nil {
		return nil, err
	}

	addr := rec.Bytes("secondaryAddr")
	if n := len(addr); n > 0 && addr[n-1] == 0 {
		addr = addr[:n-1]
	}
	ack := &BindAck{
		Header:        *headerFromRecord(rec),
		MaxTFrag:      rec.Uint16("maxTFrag"),
		MaxRFrag:      rec.Uint16("maxRFrag"),
		AssocGroup:    rec.Uint32("assocGroup"),
		SecondaryAddr: string(addr),
	}
	results := rec.Bytes("results")
	for off := 0; off < len(results); off += ctxResultSize {
		r, _, err := ctxResultStructure.Unmarshal(results[off : off+ctxResultSize])
		if err != nil {
			return nil, err
		}
		res := CtxResult{
			Result:            r.Uint16("result"),
			Reason:            r.Uint16("reason"),
			TransferSyntaxVer: r.Uint32("transferSyntaxVer"),
		}
		copy(res.TransferSyntax[:], r.Bytes("transferSyntax"))
		ack.Results = append(ack.Results, res)
	}
	return ack, nil
}

// Accepted reports whether the server accepted NDR32.
func (a *BindAck) Accepted() bool {
	for _, r := range a.Results {
		if r.Result == ContResultAccept && r.TransferSyntax == UUIDNDR32 {
			return true
		}
	}
	return false
}

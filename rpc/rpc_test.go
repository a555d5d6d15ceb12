package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmdhs/kmsd/codec"
)

func mustBind(t *testing.T, callID uint32) []byte {
	t.Helper()
	b, err := BuildBind(callID)
	require.NoError(t, err)
	return b
}

func mustRequest(t *testing.T, payload []byte, callID uint32) []byte {
	t.Helper()
	r, err := BuildRequest(payload, callID)
	require.NoError(t, err)
	return r
}

// bindWith builds a bind proposing the given transfer syntaxes.
func bindWith(t *testing.T, syntaxes ...[16]byte) []byte {
	t.Helper()
	var items []byte
	for i, s := range syntaxes {
		enc, err := ctxItemStructure.Marshal(codec.Record{
			"contextId": uint16(i), "transItems": uint8(1), "pad": uint8(0),
			"abstractSyntax": UUIDKMS[:], "abstractSyntaxVer": uint32(1),
			"transferSyntax": s[:], "transferSyntaxVer": uint32(1),
		})
		require.NoError(t, err)
		items = append(items, enc...)
	}
	h := Header{VerMajor: 5, Type: PacketTypeBind, Flags: 3, Representation: 0x10, CallID: 2}
	rec := h.record()
	rec["maxTFrag"], rec["maxRFrag"], rec["assocGroup"] = uint16(5840), uint16(5840), uint32(0)
	rec["reserved"], rec["reserved2"] = uint8(0), uint16(0)
	rec["ctxItems"] = items
	out, err := bindStructure.Marshal(rec)
	require.NoError(t, err)
	return out
}

func TestClassify(t *testing.T) {
	bind := mustBind(t, 1)
	wrongVersion := bytes.Clone(bind)
	wrongVersion[0] = 4
	ack, err := BuildBindAck(bind, 1688)
	require.NoError(t, err)

	testcases := map[string]struct {
		packet []byte
		want   Kind
	}{
		"bind":          {packet: bind, want: KindBind},
		"request":       {packet: mustRequest(t, []byte{1, 2, 3, 4}, 2), want: KindRequest},
		"short":         {packet: bind[:10], want: KindUnrecognized},
		"wrong version": {packet: wrongVersion, want: KindUnrecognized},
		"bind ack":      {packet: ack, want: KindUnrecognized},
		"empty":         {packet: nil, want: KindUnrecognized},
	}
	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.packet))
		})
	}
}

func TestBindRoundTrip(t *testing.T) {
	b, err := ParseBind(mustBind(t, 11))
	require.NoError(t, err)

	assert.Equal(t, uint32(11), b.CallID)
	assert.Equal(t, uint16(16+12+2*44), b.FragLen)
	assert.Equal(t, uint8(FlagFirstFrag|FlagLastFrag|FlagConcMpx), b.Flags)
	require.Len(t, b.CtxItems, 2)
	assert.Equal(t, CtxItem{
		ContextID: 0, TransItems: 1,
		AbstractSyntax: UUIDKMS, AbstractSyntaxVer: 1,
		TransferSyntax: UUIDNDR32, TransferSyntaxVer: 2,
	}, b.CtxItems[0])
	assert.Equal(t, uint16(1), b.CtxItems[1].ContextID)
	assert.Equal(t, UUIDTime, b.CtxItems[1].TransferSyntax)
}

func TestBuildBindAck(t *testing.T) {
	ack, err := BuildBindAck(bindWith(t, UUIDNDR32, UUIDTime, UUIDNDR64), 1688)
	require.NoError(t, err)

	got, err := ParseBindAck(ack)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.CallID)
	assert.Equal(t, uint32(0x1063bf3f), got.AssocGroup)
	assert.Equal(t, "1688", got.SecondaryAddr)
	assert.Equal(t, uint16(5840), got.MaxTFrag)
	assert.Equal(t, []CtxResult{
		{Result: 0, Reason: 0, TransferSyntax: UUIDNDR32, TransferSyntaxVer: 2},
		{Result: 3, Reason: 3},
		{Result: 2, Reason: 2},
	}, got.Results)
	assert.True(t, got.Accepted())
	assert.Equal(t, int(got.FragLen), len(ack))
}

func TestBindAckPadding(t *testing.T) {
	testcases := map[string]struct {
		port int
		pad  int
	}{
		"two digits":   {port: 80, pad: 3},
		"three digits": {port: 443, pad: 2},
		"four digits":  {port: 1688, pad: 1},
		"five digits":  {port: 65535, pad: 0},
	}
	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			ack, err := BuildBindAck(mustBind(t, 1), tc.port)
			require.NoError(t, err)

			secLen := int(binary.LittleEndian.Uint16(ack[24:26]))
			assert.Equal(t, tc.pad, secondaryAddrPad(secLen))
			assert.Len(t, ack, 26+secLen+tc.pad+4+2*24)
			assert.Zero(t, (26+secLen+tc.pad)%4)
			assert.Equal(t, uint16(len(ack)), binary.LittleEndian.Uint16(ack[8:10]))
		})
	}
}

func TestBindRejectsEverything(t *testing.T) {
	ack, err := BuildBindAck(bindWith(t, UUIDNDR64), 1688)
	require.NoError(t, err)
	got, err := ParseBindAck(ack)
	require.NoError(t, err)
	assert.False(t, got.Accepted())
}

func TestBuildBindAckMalformed(t *testing.T) {
	bind := mustBind(t, 1)
	_, err := BuildBindAck(bind[:40], 1688)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestWrapResponse(t *testing.T) {
	req := mustRequest(t, []byte("request-stub"), 9)
	assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(req[12:16]))

	resp, err := WrapResponse(req, []byte("answer"))
	require.NoError(t, err)

	h, err := ParseHeader(resp)
	require.NoError(t, err)
	assert.Equal(t, uint8(PacketTypeResponse), h.Type)
	assert.Equal(t, uint32(9), h.CallID)
	assert.Equal(t, uint16(24+6), h.FragLen)
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(resp[16:20]))

	stub, err := ParseResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), stub)
}

func TestParseResponseWrongType(t *testing.T) {
	_, err := ParseResponse(mustBind(t, 1))
	assert.ErrorIs(t, err, ErrUnrecognizedPacket)
}

func TestParseRequestStub(t *testing.T) {
	payload := []byte("0123456789abcdef")
	plain := mustRequest(t, payload, 3)

	// Object UUID after the header and an 8 byte auth trailer plus 4 bytes
	// of credentials at the end.
	withExtras := bytes.Clone(plain[:24])
	withExtras[3] |= FlagObjectUUID
	withExtras = append(withExtras, bytes.Repeat([]byte{0xAA}, 16)...)
	withExtras = append(withExtras, payload...)
	withExtras = append(withExtras, bytes.Repeat([]byte{0xBB}, 12)...)
	binary.LittleEndian.PutUint16(withExtras[8:10], uint16(len(withExtras)))
	binary.LittleEndian.PutUint16(withExtras[10:12], 4)

	noStub := bytes.Clone(plain[:24])
	binary.LittleEndian.PutUint16(noStub[8:10], 24)

	testcases := map[string]struct {
		packet []byte
		want   []byte
		err    error
	}{
		"plain":     {packet: plain, want: payload},
		"extras":    {packet: withExtras, want: payload},
		"no stub":   {packet: noStub, err: codec.ErrMalformed},
		"truncated": {packet: plain[:20], err: codec.ErrMalformed},
	}
	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			h, stub, err := ParseRequest(tc.packet)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint32(3), h.CallID)
			assert.Equal(t, tc.want, stub)
		})
	}
}

func TestReadPacket(t *testing.T) {
	bind := mustBind(t, 1)
	req := mustRequest(t, []byte{9, 9, 9, 9}, 2)
	stream := bytes.NewReader(append(bytes.Clone(bind), req...))
	buf := make([]byte, 1024)

	got, err := ReadPacket(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, bind, got)

	got, err = ReadPacket(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = ReadPacket(stream, buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPacketErrors(t *testing.T) {
	bind := mustBind(t, 1)

	_, err := ReadPacket(bytes.NewReader(bind), make([]byte, 64))
	assert.ErrorIs(t, err, ErrFragmentTooLarge)

	_, err = ReadPacket(bytes.NewReader(bind[:50]), make([]byte, 1024))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// A fragment length shorter than the header yields just the header.
	short := bytes.Clone(bind[:16])
	binary.LittleEndian.PutUint16(short[8:10], 4)
	got, err := ReadPacket(bytes.NewReader(short), make([]byte, 1024))
	require.NoError(t, err)
	assert.Len(t, got, 16)
}

func echo(_ context.Context, stub []byte) ([]byte, error) {
	return append([]byte("re:"), stub...), nil
}

func TestSession(t *testing.T) {
	ctx := context.Background()

	t.Run("bind then request", func(t *testing.T) {
		s := NewSession(1688, echo)
		assert.Equal(t, AwaitingBind, s.State())

		ack, err := s.Process(ctx, mustBind(t, 1))
		require.NoError(t, err)
		_, err = ParseBindAck(ack)
		require.NoError(t, err)
		assert.Equal(t, BoundAwaitingRequest, s.State())
		assert.False(t, s.Done())

		resp, err := s.Process(ctx, mustRequest(t, []byte("ping"), 2))
		require.NoError(t, err)
		stub, err := ParseResponse(resp)
		require.NoError(t, err)
		assert.Equal(t, []byte("re:ping"), stub)
		assert.Equal(t, RequestServed, s.State())
		assert.True(t, s.Done())

		_, err = s.Process(ctx, mustRequest(t, []byte("again"), 3))
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Equal(t, Closed, s.State())
	})

	t.Run("two binds", func(t *testing.T) {
		s := NewSession(1688, echo)
		for i := range 2 {
			ack, err := s.Process(ctx, mustBind(t, uint32(i+1)))
			require.NoError(t, err)
			parsed, err := ParseBindAck(ack)
			require.NoError(t, err)
			assert.Equal(t, uint32(i+1), parsed.CallID)
			assert.True(t, parsed.Accepted())
		}
		assert.Equal(t, 2, s.Binds())
		assert.Equal(t, BoundAwaitingRequest, s.State())
	})

	t.Run("request without bind", func(t *testing.T) {
		s := NewSession(1688, echo)
		resp, err := s.Process(ctx, mustRequest(t, []byte("x"), 1))
		require.NoError(t, err)
		assert.NotEmpty(t, resp)
		assert.True(t, s.Done())
	})

	t.Run("unrecognized", func(t *testing.T) {
		s := NewSession(1688, echo)
		resp, err := s.Process(ctx, []byte("GET / HTTP/1.1\r\n\r\n"))
		assert.ErrorIs(t, err, ErrUnrecognizedPacket)
		assert.Nil(t, resp)
		assert.Equal(t, Closed, s.State())
	})

	t.Run("handler failure", func(t *testing.T) {
		boom := errors.New("boom")
		s := NewSession(1688, func(context.Context, []byte) ([]byte, error) { return nil, boom })
		resp, err := s.Process(ctx, mustRequest(t, []byte("x"), 1))
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, resp)
		assert.Equal(t, Closed, s.State())
	})
}

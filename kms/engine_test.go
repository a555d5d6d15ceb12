package kms

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmdhs/kmsd/codec"
	"github.com/xmdhs/kmsd/store"
)

type fakeCatalog struct {
	apps map[codec.UUID]string
	skus map[codec.UUID]string
}

func (c fakeCatalog) AppName(id codec.UUID) (string, bool) {
	n, ok := c.apps[id]
	return n, ok
}

func (c fakeCatalog) SkuName(id codec.UUID) (string, bool) {
	n, ok := c.skus[id]
	return n, ok
}

// countingEpid returns a different ePID on every call.
type countingEpid struct {
	n int
}

func (g *countingEpid) Generate(_ codec.UUID, major uint16, lcid uint32) string {
	g.n++
	return "gen-" + strconv.Itoa(g.n) + "-v" + strconv.Itoa(int(major)) + "-" + strconv.Itoa(int(lcid))
}

type failingStore struct {
	store.Store
}

func (failingStore) Activate(context.Context, store.Client, string) (store.Activation, error) {
	return store.Activation{}, errors.New("disk full")
}

var testCatalog = fakeCatalog{
	apps: map[codec.UUID]string{codec.MustParseUUID("55c92734-d682-4d71-983e-d6ec3f16059f"): "Windows"},
	skus: map[codec.UUID]string{codec.MustParseUUID("73111121-5571-4dd9-98a7-44d8780b9385"): "Windows 10 Enterprise 2015 LTSB"},
}

func testPolicy() Policy {
	return Policy{
		LCID:               1033,
		ActivationInterval: 120,
		RenewalInterval:    10080,
		HWID:               [8]byte{0x36, 0x4F, 0x46, 0x3A, 0x88, 0x63, 0xD3, 0x5F},
	}
}

func utcLocation() (*time.Location, error) {
	return time.UTC, nil
}

func TestServe(t *testing.T) {
	e := NewEngine(NewPolicyHolder(testPolicy()),
		WithCatalog(testCatalog), WithEpid(&countingEpid{}), WithLocation(utcLocation))

	req := testRequest(6)
	res, err := e.Serve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, &Response{
		VersionMinor:       req.VersionMinor,
		VersionMajor:       6,
		KmsEpid:            "gen-1-v6-1033",
		ClientMachineID:    req.ClientMachineID,
		ResponseTime:       req.RequestTime,
		CurrentClientCount: 50,
		ActivationInterval: 120,
		RenewalInterval:    10080,
	}, res.Response)
	assert.Equal(t, ProductIdentity{AppName: "Windows", SkuName: "Windows 10 Enterprise 2015 LTSB"}, res.Identity)
	assert.Empty(t, res.Warnings)
	assert.Zero(t, res.RequestCount)
}

func TestServeWarnings(t *testing.T) {
	p := testPolicy()
	p.ClientCount = 3
	p.Epid = "fixed-epid"
	e := NewEngine(NewPolicyHolder(p), WithEpid(&countingEpid{}),
		WithLocation(func() (*time.Location, error) { return nil, errors.New("no zoneinfo") }))

	req := testRequest(5)
	req.RequiredClientCount = 5
	res, err := e.Serve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "fixed-epid", res.Response.KmsEpid)
	assert.Equal(t, uint32(6), res.Response.CurrentClientCount)
	assert.Equal(t, []PolicyWarning{WarnNotEnoughClients, WarnUnknownProduct, WarnUnknownProduct}, res.Warnings)
	assert.Equal(t, req.ApplicationID.String(), res.Identity.AppName)
	assert.Equal(t, req.SkuID.String(), res.Identity.SkuName)
}

func TestServePersistedEpidWins(t *testing.T) {
	mem, err := store.NewMemory(8, nil)
	require.NoError(t, err)

	e := NewEngine(NewPolicyHolder(testPolicy()),
		WithCatalog(testCatalog), WithEpid(&countingEpid{}), WithStore(mem), WithLocation(utcLocation))

	ctx := context.Background()
	first, err := e.Serve(ctx, testRequest(6))
	require.NoError(t, err)
	second, err := e.Serve(ctx, testRequest(6))
	require.NoError(t, err)

	assert.Equal(t, "gen-1-v6-1033", first.Response.KmsEpid)
	assert.Equal(t, first.Response.KmsEpid, second.Response.KmsEpid)
	assert.Equal(t, int64(1), first.RequestCount)
	assert.Equal(t, int64(2), second.RequestCount)

	c, err := mem.Client(ctx, testRequest(6).ClientMachineID.String())
	require.NoError(t, err)
	assert.Equal(t, "DESKTOP-42", c.MachineName)
	assert.Equal(t, "Windows", c.ApplicationID)
	assert.Equal(t, "Grace Period", c.LicenseStatus)
}

func TestServePersistenceFailure(t *testing.T) {
	e := NewEngine(NewPolicyHolder(testPolicy()), WithStore(failingStore{}), WithLocation(utcLocation))
	_, err := e.Serve(context.Background(), testRequest(4))
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestHandleRoundTrip(t *testing.T) {
	for _, major := range []uint16{4, 5, 6} {
		t.Run("V"+strconv.Itoa(int(major)), func(t *testing.T) {
			e := NewEngine(NewPolicyHolder(testPolicy()),
				WithCatalog(testCatalog), WithEpid(&countingEpid{}), WithLocation(utcLocation))

			req := testRequest(major)
			payload, cx, err := EncodeRequest(req)
			require.NoError(t, err)

			reply, err := e.Handle(context.Background(), payload)
			require.NoError(t, err)
			assert.Equal(t, major, reply.Version)

			got, err := cx.DecodeResponse(reply.Payload)
			require.NoError(t, err)
			assert.Equal(t, reply.Result.Response, got.Response)
			assert.Equal(t, req.ClientMachineID, got.Response.ClientMachineID)
			assert.Equal(t, req.RequestTime, got.Response.ResponseTime)
			if major == 6 {
				assert.Equal(t, []byte{0x36, 0x4F, 0x46, 0x3A, 0x88, 0x63, 0xD3, 0x5F}, got.HWID)
			} else {
				assert.Nil(t, got.HWID)
			}
		})
	}
}

func TestHandleTamperedResponse(t *testing.T) {
	for _, major := range []uint16{4, 5, 6} {
		t.Run("V"+strconv.Itoa(int(major)), func(t *testing.T) {
			e := NewEngine(NewPolicyHolder(testPolicy()), WithEpid(&countingEpid{}), WithLocation(utcLocation))

			payload, cx, err := EncodeRequest(testRequest(major))
			require.NoError(t, err)
			reply, err := e.Handle(context.Background(), payload)
			require.NoError(t, err)

			// Flip a bit inside the response body or ciphertext.
			reply.Payload[40] ^= 0x01
			_, err = cx.DecodeResponse(reply.Payload)
			assert.Error(t, err)
		})
	}
}

// oddCiphertext shortens the encrypted message by one byte so it is no
// longer block aligned.
func oddCiphertext(v6 []byte) []byte {
	out := append([]byte(nil), v6...)
	out[0]--
	out[4]--
	return out
}

func TestHandleErrors(t *testing.T) {
	e := NewEngine(NewPolicyHolder(testPolicy()), WithEpid(&countingEpid{}), WithLocation(utcLocation))
	ctx := context.Background()

	v6, _, err := EncodeRequest(testRequest(6))
	require.NoError(t, err)

	unknown := append([]byte(nil), v6...)
	unknown[10], unknown[11] = 7, 0

	testcases := map[string]struct {
		payload []byte
		want    error
	}{
		"short header":   {payload: []byte{1, 2, 3}, want: codec.ErrMalformed},
		"unknown":        {payload: unknown, want: ErrUnsupportedVersion},
		"truncated V6":   {payload: v6[:60], want: codec.ErrMalformed},
		"odd ciphertext": {payload: oddCiphertext(v6)},
	}
	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Handle(ctx, tc.payload)
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

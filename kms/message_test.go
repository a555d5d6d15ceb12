package kms

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmdhs/kmsd/codec"
)

func testRequest(major uint16) *Request {
	return &Request{
		VersionMinor:            0,
		VersionMajor:            major,
		LicenseStatus:           2,
		GraceTime:               43200,
		ApplicationID:           codec.MustParseUUID("55c92734-d682-4d71-983e-d6ec3f16059f"),
		SkuID:                   codec.MustParseUUID("73111121-5571-4dd9-98a7-44d8780b9385"),
		KmsCountedID:            codec.MustParseUUID("58e2134f-8e11-4d17-9cb2-91069c151148"),
		ClientMachineID:         codec.MustParseUUID("b5b2b8e1-2a3f-4cd1-8a3e-0c7e5c8a9d11"),
		RequiredClientCount:     25,
		RequestTime:             TimeToFileTime(time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)),
		PreviousClientMachineID: codec.UUID{},
		MachineName:             "DESKTOP-42",
	}
}

func TestRequestRoundTrip(t *testing.T) {
	names := map[string]string{
		"short":   "DESKTOP-42",
		"empty":   "",
		"unicode": "rechner-ü",
		"longest": strings.Repeat("x", 63),
	}
	for name, machine := range names {
		t.Run(name, func(t *testing.T) {
			req := testRequest(6)
			req.MachineName = machine

			data, err := req.Marshal()
			require.NoError(t, err)
			assert.Len(t, data, 236)

			got, err := ParseRequest(data)
			require.NoError(t, err)
			if diff := cmp.Diff(req, got); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestRequestMachineNameTooLong(t *testing.T) {
	req := testRequest(6)
	req.MachineName = strings.Repeat("x", 64)
	_, err := req.Marshal()
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestParseRequestShort(t *testing.T) {
	data, err := testRequest(4).Marshal()
	require.NoError(t, err)

	_, err = ParseRequest(data[:100])
	assert.ErrorIs(t, err, codec.ErrMalformed)

	// Truncated machine name padding.
	_, err = ParseRequest(data[:235])
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestResponseLayout(t *testing.T) {
	resp := &Response{
		VersionMinor:       0,
		VersionMajor:       6,
		KmsEpid:            "03612-00206-556-123456-03-1033-17763.0000-2742024",
		ClientMachineID:    codec.NewRandomUUID(),
		ResponseTime:       TimeToFileTime(time.Now()),
		CurrentClientCount: 50,
		ActivationInterval: 120,
		RenewalInterval:    10080,
	}
	data, err := resp.Marshal()
	require.NoError(t, err)

	epidBytes := 2 * len(resp.KmsEpid)
	assert.Len(t, data, 4+4+epidBytes+2+16+8+4+4+4)
	assert.Equal(t, uint32(epidBytes+2), uint32(data[4])|uint32(data[5])<<8)
	assert.Equal(t, []byte{0, 0}, data[8+epidBytes:8+epidBytes+2])

	got, n, err := ParseResponse(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, resp, got)
}

func TestFileTime(t *testing.T) {
	ts := time.Date(2024, 2, 29, 23, 59, 59, 123456700, time.UTC)
	assert.True(t, ts.Equal(FileTimeToTime(TimeToFileTime(ts))))
	assert.Equal(t, time.Unix(0, 0).UTC(), FileTimeToTime(116444736000000000))
}

func TestPadding(t *testing.T) {
	testcases := map[int]int{0: 4, 1: 7, 2: 6, 3: 5, 4: 4, 258: 6}
	for n, want := range testcases {
		assert.Equal(t, want, Padding(n), n)
	}
}

package kms

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xmdhs/kmsd/codec"
)

func benchResponse() *Response {
	return &Response{
		VersionMinor:       0,
		VersionMajor:       6,
		KmsEpid:            "03612-00206-000-000000-03-1033-17763.0000-0012024",
		ClientMachineID:    codec.NewRandomUUID(),
		ResponseTime:       TimeToFileTime(time.Now()),
		CurrentClientCount: 50,
		ActivationInterval: 120,
		RenewalInterval:    10080,
	}
}

func BenchmarkParseRequest(b *testing.B) {
	data, err := testRequest(6).Marshal()
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for b.Loop() {
		ParseRequest(data)
	}
}

func BenchmarkRequestMarshal(b *testing.B) {
	req := testRequest(6)
	b.ReportAllocs()
	for b.Loop() {
		req.Marshal()
	}
}

func BenchmarkResponseMarshal(b *testing.B) {
	resp := benchResponse()
	b.ReportAllocs()
	for b.Loop() {
		resp.Marshal()
	}
}

func BenchmarkParseResponse(b *testing.B) {
	data, err := benchResponse().Marshal()
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for b.Loop() {
		ParseResponse(data)
	}
}

func BenchmarkFileTimeToTime(b *testing.B) {
	ft := TimeToFileTime(time.Now())
	for b.Loop() {
		FileTimeToTime(ft)
	}
}

func BenchmarkClientCount(b *testing.B) {
	for b.Loop() {
		for _, o := range []uint32{0, 3, 7, 12} {
			ClientCount(5, o)
		}
	}
}

// Full decode, serve and encode of one request per protocol version.
func BenchmarkHandle(b *testing.B) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	b.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	e := NewEngine(NewPolicyHolder(testPolicy()),
		WithCatalog(testCatalog), WithEpid(&countingEpid{}), WithLocation(utcLocation))
	ctx := context.Background()

	for _, major := range []uint16{4, 5, 6} {
		payload, _, err := EncodeRequest(testRequest(major))
		if err != nil {
			b.Fatal(err)
		}
		b.Run("V"+strconv.Itoa(int(major)), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				if _, err := e.Handle(ctx, payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

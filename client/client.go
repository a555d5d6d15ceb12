// Package client is a KMS client used to exercise a server: it binds,
// sends one activation request and verifies the answer.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xmdhs/kmsd/codec"
	"github.com/xmdhs/kmsd/kms"
	"github.com/xmdhs/kmsd/logger"
	"github.com/xmdhs/kmsd/rpc"
)

var (
	ErrUnknownProduct = errors.New("client: unknown product mode")
	ErrBindRejected   = errors.New("client: server rejected the NDR32 transfer syntax")
)

const maxFragLen = 1024

// Config holds client configuration.
type Config struct {
	IP      string
	Port    int
	Mode    string
	CMID    string
	Machine string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		IP:      "127.0.0.1",
		Port:    1688,
		Mode:    "Windows8.1",
		Timeout: 10 * time.Second,
	}
}

// Product contains the product details for activation.
type Product struct {
	SkuID       codec.UUID
	AppID       codec.UUID
	KmsCountID  codec.UUID
	ProtoMajor  uint16
	ClientCount uint32
}

func product(sku, app, counted string, major uint16, clients uint32) Product {
	return Product{
		SkuID:       codec.MustParseUUID(sku),
		AppID:       codec.MustParseUUID(app),
		KmsCountID:  codec.MustParseUUID(counted),
		ProtoMajor:  major,
		ClientCount: clients,
	}
}

const (
	windowsApp  = "55c92734-d682-4d71-983e-d6ec3f16059f"
	office14App = "59a52881-a989-479d-af46-f275c6370663"
	office15App = "0ff1ce15-a989-479d-af46-f275c6370663"
)

// Products maps a mode name to the identifiers a real client of that
// product sends.
var Products = map[string]Product{
	"WindowsVista": product("cfd8ff08-c0d7-452b-9f60-ef5c70c32094", windowsApp, "212a64dc-43b1-4d3d-a30c-2fc69d2095c6", 4, 25),
	"Windows7":     product("ae2ee509-1b34-41c0-acb7-6d4650168915", windowsApp, "7fde5219-fbfa-484a-82c9-34d1ad53e856", 4, 25),
	"Windows8":     product("458e1bec-837a-45f6-b9d5-925ed5d299de", windowsApp, "3c40b358-5948-45af-923b-53d21fcc7e79", 5, 25),
	"Windows8.1":   product("81671aaf-79d1-4eb1-b004-8cbbe173afea", windowsApp, "cb8fc780-2c05-495a-9710-85afffc904d7", 6, 25),
	"Windows10":    product("73111121-5571-4dd9-98a7-44d8780b9385", windowsApp, "58e2134f-8e11-4d17-9cb2-91069c151148", 6, 25),
	"Office2010":   product("6f327760-8c5c-417c-9b61-836a98287e0c", office14App, "e85af946-2e25-47b7-83e1-bebcebeac611", 4, 5),
	"Office2013":   product("b322da9c-a2e2-4058-9e4e-f59a6970bd69", office15App, "e6a6f1bf-9d40-40c3-aa9f-c77ba21578c0", 5, 5),
	"Office2016":   product("d450596f-894d-49e0-966a-fd39ed4c4c64", office15App, "85b5f61b-320b-4be3-814a-b76b2bfafc82", 6, 5),
	"Office2019":   product("0bc88885-718c-491d-921f-6f214349e79c", office15App, "617d9eb1-ef36-4f87-bbfb-481cbb3af187", 6, 5),
}

// ProductNames lists the modes in alphabetical order.
func ProductNames() []string {
	names := make([]string, 0, len(Products))
	for k := range Products {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Result is one verified exchange.
type Result struct {
	Mode    string
	Bind    *rpc.BindAck
	Request *kms.Request
	*kms.ClientResult
}

// Run performs bind and one activation request against the configured
// server.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	p, ok := Products[cfg.Mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, cfg.Mode)
	}

	cmid := codec.NewRandomUUID()
	if cfg.CMID != "" {
		var err error
		if cmid, err = codec.ParseUUID(cfg.CMID); err != nil {
			return nil, fmt.Errorf("client machine id: %w", err)
		}
	}
	machine := cfg.Machine
	if machine == "" {
		machine = randomMachineName()
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	l := logger.FromContext(ctx)
	addr := net.JoinHostPort(strings.Trim(cfg.IP, "[]"), strconv.Itoa(cfg.Port))
	l.Info().Str("address", addr).Msg("connecting")

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	buf := make([]byte, maxFragLen)

	bind, err := rpc.BuildBind(1)
	if err != nil {
		return nil, err
	}
	pkt, err := roundTrip(conn, bind, buf)
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	ack, err := rpc.ParseBindAck(pkt)
	if err != nil {
		return nil, fmt.Errorf("bind ack: %w", err)
	}
	if !ack.Accepted() {
		return nil, ErrBindRejected
	}
	l.Debug().Str("secondary_addr", ack.SecondaryAddr).Msg("RPC bind acknowledged")

	req := &kms.Request{
		VersionMajor:        p.ProtoMajor,
		LicenseStatus:       kms.LicenseState(2),
		GraceTime:           43200 * 2,
		ApplicationID:       p.AppID,
		SkuID:               p.SkuID,
		KmsCountedID:        p.KmsCountID,
		ClientMachineID:     cmid,
		RequiredClientCount: p.ClientCount,
		RequestTime:         kms.TimeToFileTime(time.Now()),
		MachineName:         machine,
	}
	payload, cx, err := kms.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	rpcReq, err := rpc.BuildRequest(payload, 2)
	if err != nil {
		return nil, err
	}
	pkt, err = roundTrip(conn, rpcReq, buf)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	stub, err := rpc.ParseResponse(pkt)
	if err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}
	res, err := cx.DecodeResponse(stub)
	if err != nil {
		return nil, fmt.Errorf("V%d response: %w", p.ProtoMajor, err)
	}
	return &Result{Mode: cfg.Mode, Bind: ack, Request: req, ClientResult: res}, nil
}

func roundTrip(conn net.Conn, packet, buf []byte) ([]byte, error) {
	if _, err := conn.Write(packet); err != nil {
		return nil, err
	}
	return rpc.ReadPacket(conn, buf)
}

// Print writes a human readable report of r.
func Print(w io.Writer, r *Result) {
	resp := r.Response
	fmt.Fprintf(w, "=== KMS V%d.%d Response (%s) ===\n", resp.VersionMajor, resp.VersionMinor, r.Mode)
	fmt.Fprintf(w, "  ePID: %s\n", resp.KmsEpid)
	fmt.Fprintf(w, "  Client Machine ID: %s\n", resp.ClientMachineID)
	fmt.Fprintf(w, "  Machine Name: %s\n", r.Request.MachineName)
	rt := kms.FileTimeToTime(resp.ResponseTime)
	fmt.Fprintf(w, "  Response Time: %s (%s)\n", rt.Format(time.RFC3339), humanize.Time(rt))
	fmt.Fprintf(w, "  Current Client Count: %s\n", humanize.Comma(int64(resp.CurrentClientCount)))
	fmt.Fprintf(w, "  VL Activation Interval: %s minutes (%s)\n",
		humanize.Comma(int64(resp.ActivationInterval)), minutes(resp.ActivationInterval))
	fmt.Fprintf(w, "  VL Renewal Interval: %s minutes (%s)\n",
		humanize.Comma(int64(resp.RenewalInterval)), minutes(resp.RenewalInterval))
	if r.HWID != nil {
		fmt.Fprintf(w, "  HWID: %X\n", r.HWID)
	}
}

// minutes renders an interval relative to now, e.g. "1 week from now".
func minutes(n uint32) string {
	now := time.Now()
	return humanize.RelTime(now.Add(time.Duration(n)*time.Minute), now, "ago", "from now")
}

func randomMachineName() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	name := make([]byte, 8+rand.IntN(8))
	for i := range name {
		name[i] = chars[rand.IntN(len(chars))]
	}
	return strings.ToUpper(string(name))
}

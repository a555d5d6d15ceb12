package client

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmdhs/kmsd/catalog"
	"github.com/xmdhs/kmsd/epid"
	"github.com/xmdhs/kmsd/kms"
	"github.com/xmdhs/kmsd/server"
	"github.com/xmdhs/kmsd/store"
)

var hwid = [8]byte{0x36, 0x4F, 0x46, 0x3A, 0x88, 0x63, 0xD3, 0x5F}

func startServer(t *testing.T, opts ...kms.Option) Config {
	t.Helper()
	cat := catalog.Default()
	opts = append([]kms.Option{kms.WithCatalog(cat), kms.WithEpid(epid.New(cat))}, opts...)
	engine := kms.NewEngine(kms.NewPolicyHolder(kms.Policy{
		LCID:               1033,
		ActivationInterval: 120,
		RenewalInterval:    10080,
		HWID:               hwid,
	}), opts...)

	ln, err := server.Listen(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.NewKMSServer(server.Config{}, engine).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg := DefaultConfig()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	cfg.IP = host
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.Timeout = 5 * time.Second
	return cfg
}

var epidPattern = regexp.MustCompile(`^\d{5}-\d{5}-\d{3}-\d{6}-03-1033-\d{4,5}\.0000-\d{7}$`)

func TestRunAllProducts(t *testing.T) {
	cfg := startServer(t)

	for _, mode := range ProductNames() {
		t.Run(mode, func(t *testing.T) {
			c := cfg
			c.Mode = mode
			c.Machine = "TESTBOX"

			res, err := Run(context.Background(), c)
			require.NoError(t, err)

			p := Products[mode]
			assert.Equal(t, p.ProtoMajor, res.Response.VersionMajor)
			assert.Equal(t, res.Request.ClientMachineID, res.Response.ClientMachineID)
			assert.Equal(t, res.Request.RequestTime, res.Response.ResponseTime)
			assert.Equal(t, 2*p.ClientCount, res.Response.CurrentClientCount)
			assert.Equal(t, uint32(120), res.Response.ActivationInterval)
			assert.Equal(t, uint32(10080), res.Response.RenewalInterval)
			assert.Regexp(t, epidPattern, res.Response.KmsEpid)
			if p.ProtoMajor == 6 {
				assert.Equal(t, hwid[:], res.HWID)
			} else {
				assert.Nil(t, res.HWID)
			}
			assert.Equal(t, strconv.Itoa(cfg.Port), res.Bind.SecondaryAddr)
		})
	}
}

func TestRunPersistentEpid(t *testing.T) {
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "clients.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := startServer(t, kms.WithStore(db))
	cfg.Mode = "Windows10"
	cfg.CMID = "b5b2b8e1-2a3f-4cd1-8a3e-0c7e5c8a9d11"

	first, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	second, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, first.Response.KmsEpid, second.Response.KmsEpid)

	c, err := db.Client(context.Background(), cfg.CMID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.RequestCount)
	assert.Equal(t, "Windows 10 Enterprise 2015 LTSB", c.SkuID)
	assert.Equal(t, first.Response.KmsEpid, c.KmsEpid)
}

func TestRunErrors(t *testing.T) {
	cfg := startServer(t)

	testcases := map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"unknown mode": {mutate: func(c *Config) { c.Mode = "Windows95" }, want: ErrUnknownProduct},
		"bad cmid":     {mutate: func(c *Config) { c.CMID = "not-a-uuid" }},
		"refused": {mutate: func(c *Config) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			c.Port = ln.Addr().(*net.TCPAddr).Port
			ln.Close()
		}},
	}
	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			c := cfg
			tc.mutate(&c)
			_, err := Run(context.Background(), c)
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestPrint(t *testing.T) {
	cfg := startServer(t)
	cfg.Mode = "Windows8.1"
	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	Print(&buf, res)
	out := buf.String()
	assert.Contains(t, out, "=== KMS V6.0 Response (Windows8.1) ===")
	assert.Contains(t, out, "Current Client Count: 50")
	assert.Contains(t, out, "VL Renewal Interval: 10,080 minutes (1 week from now)")
	assert.Contains(t, out, "HWID: 364F463A8863D35F")
}

func TestProductNames(t *testing.T) {
	names := ProductNames()
	assert.Len(t, names, len(Products))
	assert.IsNonDecreasing(t, names)
}

func TestRandomMachineName(t *testing.T) {
	for range 20 {
		n := randomMachineName()
		assert.Regexp(t, `^[A-Z0-9]{8,15}$`, n)
	}
}

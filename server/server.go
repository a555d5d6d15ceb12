package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	r "math/rand/v2"

	"golang.org/x/sync/semaphore"

	"github.com/xmdhs/kmsd/kms"
	"github.com/xmdhs/kmsd/logger"
	"github.com/xmdhs/kmsd/metrics"
	"github.com/xmdhs/kmsd/rpc"
)

// maxFragLen is the maximum allowed RPC fragment length to prevent DoS via oversized allocations.
const maxFragLen = 1024

// acceptPoll bounds how long the acceptor takes to notice shutdown.
const acceptPoll = 500 * time.Millisecond

const (
	DefaultMaxConnections = 1024
	DefaultIdleTimeout    = 30 * time.Second
)

var connBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, maxFragLen)
		return &buf
	},
}

// Handler answers the stub data of one activation request.
type Handler interface {
	Handle(ctx context.Context, payload []byte) (*kms.Reply, error)
}

type Config struct {
	IP   string
	Port int
	// MaxConnections caps connections served at once; extra ones are closed
	// on accept.
	MaxConnections int64
	// IdleTimeout is the read and write deadline of each packet. Zero
	// disables it.
	IdleTimeout time.Duration
}

// KMSServer is a TCP server that handles KMS activation requests.
type KMSServer struct {
	cfg      Config
	handler  Handler
	metrics  *metrics.Metrics
	inflight *semaphore.Weighted
	wg       sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

type Option func(*KMSServer)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *KMSServer) { s.metrics = m }
}

func NewKMSServer(cfg Config, h Handler, opts ...Option) *KMSServer {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	s := &KMSServer{
		cfg:      cfg,
		handler:  h,
		inflight: semaphore.NewWeighted(cfg.MaxConnections),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *KMSServer) ListenAndServe(ctx context.Context) error {
	ln, err := Listen(ctx, s.cfg.IP, s.cfg.Port)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Addr is the address being served, nil before Serve.
func (s *KMSServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln
// and waits for open connections to finish their current request.
func (s *KMSServer) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	port := s.cfg.Port
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		port = ta.Port
	}
	logger.FromContext(ctx).Info().Str("address", ln.Addr().String()).Msg("KMS server listening")

	type deadliner interface{ SetDeadline(time.Time) error }
	dl, canPoll := ln.(deadliner)

	for ctx.Err() == nil {
		if canPoll {
			dl.SetDeadline(time.Now().Add(acceptPoll))
		}
		conn, aerr := ln.Accept()
		if aerr != nil {
			var ne net.Error
			if errors.As(aerr, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(aerr, net.ErrClosed) {
				break
			}
			logger.FromContext(ctx).Warn().Err(aerr).Msg("failed to accept connection")
			continue
		}

		if !s.inflight.TryAcquire(1) {
			s.metrics.Failure(metrics.FailureRejected)
			logger.FromContext(ctx).Warn().Str("remote_addr", conn.RemoteAddr().String()).
				Int64("max_connections", s.cfg.MaxConnections).Msg("too many connections, closing")
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.inflight.Release(1)
			s.handleConnection(ctx, conn, port)
		}()
	}

	ln.Close()
	s.wg.Wait()
	logger.FromContext(ctx).Info().Msg("KMS server stopped")
	return nil
}

func (s *KMSServer) handleConnection(serveCtx context.Context, conn net.Conn, port int) {
	defer conn.Close()
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	// Shutdown interrupts a pending read; a request already read is still
	// answered.
	stop := context.AfterFunc(serveCtx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()
	ctx := context.WithoutCancel(serveCtx)

	ctx = logger.WithRequestID(ctx, r.Uint64())
	ctx = logger.WithStr(ctx, "remote_addr", conn.RemoteAddr().String())
	l := logger.FromContext(ctx)
	l.Debug().Msg("connection accepted")

	bufp := connBufPool.Get().(*[]byte)
	defer connBufPool.Put(bufp)

	session := rpc.NewSession(port, func(ctx context.Context, stub []byte) ([]byte, error) {
		start := time.Now()
		reply, err := s.handler.Handle(ctx, stub)
		if err != nil {
			return nil, err
		}
		s.metrics.Request(reply.Version, time.Since(start), warningNames(reply.Result)...)
		return reply.Payload, nil
	})

	for !session.Done() {
		if s.cfg.IdleTimeout > 0 {
			conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		if serveCtx.Err() != nil {
			break
		}
		data, err := rpc.ReadPacket(conn, *bufp)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.metrics.Failure(metrics.FailureRead)
				l.Warn().Err(err).Msg("error reading from connection")
			}
			break
		}

		kind := rpc.Classify(data)
		l.Debug().Stringer("kind", kind).Int("length", len(data)).Msg("packet received")

		reply, err := session.Process(ctx, data)
		if err != nil {
			s.fail(ctx, err)
			break
		}
		if kind == rpc.KindBind {
			s.metrics.Bind()
		}

		if _, err := conn.Write(reply); err != nil {
			s.metrics.Failure(metrics.FailureWrite)
			l.Warn().Err(err).Msg("error writing to connection")
			break
		}
	}

	l.Debug().Stringer("state", session.State()).Msg("connection closed")
}

func (s *KMSServer) fail(ctx context.Context, err error) {
	reason := failureReason(err)
	s.metrics.Failure(reason)
	ev := logger.FromContext(ctx).Error()
	if reason == metrics.FailureUnrecognized {
		ev = logger.FromContext(ctx).Warn()
	}
	ev.Err(err).Str("reason", reason).Msg("closing connection without reply")
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, rpc.ErrUnrecognizedPacket):
		return metrics.FailureUnrecognized
	case errors.Is(err, kms.ErrUnsupportedVersion):
		return metrics.FailureVersion
	case errors.Is(err, kms.ErrPersistence):
		return metrics.FailurePersistence
	}
	return metrics.FailureDecode
}

func warningNames(res *kms.Result) []string {
	if res == nil {
		return nil
	}
	names := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		names = append(names, w.String())
	}
	return names
}

// Listen opens the TCP listener for ip and port. An IPv6 address listens
// on tcp6 and, where the platform allows it, accepts IPv4 as well.
func Listen(ctx context.Context, ip string, port int) (net.Listener, error) {
	ip = strings.TrimSuffix(strings.TrimPrefix(ip, "["), "]")
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	network := "tcp"
	if parsed := net.ParseIP(ip); parsed != nil {
		network = "tcp4"
		if parsed.To4() == nil {
			network = "tcp6"
		}
	}

	lc := listenConfig()
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

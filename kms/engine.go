// Package kms implements the activation protocol: version specific request
// envelopes, the client count policy, product lookup and the response
// sent back to the client.
package kms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/xmdhs/kmsd/codec"
	"github.com/xmdhs/kmsd/logger"
	"github.com/xmdhs/kmsd/store"
)

var (
	ErrUnsupportedVersion = errors.New("kms: unsupported protocol version")
	ErrPersistence        = errors.New("kms: persisting client failed")
)

// Catalog names products for logs and client records.
type Catalog interface {
	AppName(id codec.UUID) (string, bool)
	SkuName(id codec.UUID) (string, bool)
}

// EpidSource generates ePIDs when the policy does not fix one.
type EpidSource interface {
	Generate(countedID codec.UUID, versionMajor uint16, lcid uint32) string
}

// ProductIdentity holds the resolved application and SKU names. A name the
// catalog does not know is the UUID in text form.
type ProductIdentity struct {
	AppName string
	SkuName string
}

type Result struct {
	Response     *Response
	Identity     ProductIdentity
	Warnings     []PolicyWarning
	RequestCount int64
}

// Reply is the outcome of Handle: the encoded response payload together
// with what produced it.
type Reply struct {
	Payload []byte
	Version uint16
	Result  *Result
}

type Engine struct {
	policy   *PolicyHolder
	catalog  Catalog
	epid     EpidSource
	store    store.Store
	now      func() time.Time
	location func() (*time.Location, error)
}

type Option func(*Engine)

func WithCatalog(c Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

func WithEpid(s EpidSource) Option {
	return func(e *Engine) { e.epid = s }
}

// WithStore enables persistence of client records.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation overrides how request times are localized for logging.
func WithLocation(fn func() (*time.Location, error)) Option {
	return func(e *Engine) { e.location = fn }
}

func NewEngine(policy *PolicyHolder, opts ...Option) *Engine {
	e := &Engine{
		policy:   policy,
		now:      time.Now,
		location: hostLocation,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Handle answers one request payload taken from an RPC request PDU.
func (e *Engine) Handle(ctx context.Context, payload []byte) (*Reply, error) {
	hdr, _, err := genericHeader.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	version := hdr.Uint16("versionMajor")
	log := logger.FromContext(ctx)
	log.Info().Msgf("Received V%d request on %s.", version, e.now().Format("Mon Jan 02 15:04:05 2006"))

	h := handlerFor(version)
	req, ex, err := h.decodeRequest(payload)
	if err != nil {
		return &Reply{Version: version}, err
	}

	p := e.policy.Load()
	res, err := e.serve(ctx, req, &p)
	if err != nil {
		return &Reply{Version: version}, err
	}

	out, err := h.buildResponse(res.Response, ex, &p)
	if err != nil {
		return &Reply{Version: version, Result: res}, fmt.Errorf("building V%d response: %w", version, err)
	}
	log.Debug().Msgf("KMS V%d response generated", version)
	return &Reply{Payload: out, Version: version, Result: res}, nil
}

// Serve applies the current policy to req and builds the response.
// Failures to persist the client abort the request; unknown products and
// policy adjustments are reported as warnings only.
func (e *Engine) Serve(ctx context.Context, req *Request) (*Result, error) {
	p := e.policy.Load()
	return e.serve(ctx, req, &p)
}

func (e *Engine) serve(ctx context.Context, req *Request, p *Policy) (*Result, error) {
	log := logger.FromContext(ctx)
	res := &Result{}

	count, w := ClientCount(req.RequiredClientCount, p.ClientCount)
	switch w {
	case WarnNotEnoughClients:
		log.Warn().Msgf("Not enough clients! Fixed with %d, but activated client could be detected as not genuine!", count)
	case WarnBelowRequired:
		log.Warn().Msgf("With count = %d, activated client could be detected as not genuine!", count)
	case WarnAboveRequired:
		log.Warn().Msgf("Too many clients! Fixed with %d", count)
	}
	if w != WarnNone {
		res.Warnings = append(res.Warnings, w)
	}

	res.Identity = e.identify(ctx, req, res)

	log.Info().
		Str("machine_name", req.MachineName).
		Stringer("client_machine_id", req.ClientMachineID).
		Str("application_id", res.Identity.AppName).
		Str("sku_id", res.Identity.SkuName).
		Stringer("license_status", req.LicenseStatus).
		Str("request_time", e.localize(ctx, req.Time()).Format("2006-01-02 15:04:05 MST (UTC-0700)")).
		Msg("Activation request")

	epid := p.Epid
	if epid == "" && e.epid != nil {
		epid = e.epid.Generate(req.KmsCountedID, req.VersionMajor, p.LCID)
	}

	res.Response = &Response{
		VersionMinor:       req.VersionMinor,
		VersionMajor:       req.VersionMajor,
		KmsEpid:            epid,
		ClientMachineID:    req.ClientMachineID,
		ResponseTime:       req.RequestTime,
		CurrentClientCount: count,
		ActivationInterval: p.ActivationInterval,
		RenewalInterval:    p.RenewalInterval,
	}

	if e.store != nil {
		a, err := e.store.Activate(ctx, store.Client{
			ClientMachineID: req.ClientMachineID.String(),
			MachineName:     req.MachineName,
			ApplicationID:   res.Identity.AppName,
			SkuID:           res.Identity.SkuName,
			LicenseStatus:   req.LicenseStatus.String(),
			LastRequestTime: e.now().Unix(),
		}, epid)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		res.Response.KmsEpid = a.Epid
		res.RequestCount = a.RequestCount
	}

	log.Info().Int64("request_count", res.RequestCount).Msgf("Server ePID: %s", res.Response.KmsEpid)
	return res, nil
}

func (e *Engine) identify(ctx context.Context, req *Request, res *Result) ProductIdentity {
	log := logger.FromContext(ctx)
	var id ProductIdentity
	var ok bool

	if e.catalog != nil {
		id.AppName, ok = e.catalog.AppName(req.ApplicationID)
	}
	if !ok {
		id.AppName = req.ApplicationID.String()
		log.Warn().Msgf("Unknown Application ID: %s", id.AppName)
		res.Warnings = append(res.Warnings, WarnUnknownProduct)
	}

	ok = false
	if e.catalog != nil {
		id.SkuName, ok = e.catalog.SkuName(req.SkuID)
	}
	if !ok {
		id.SkuName = req.SkuID.String()
		log.Warn().Msgf("Unknown SKU ID: %s", id.SkuName)
		res.Warnings = append(res.Warnings, WarnUnknownProduct)
	}
	return id
}

// localize converts t to the host time zone when one can be determined.
func (e *Engine) localize(ctx context.Context, t time.Time) time.Time {
	loc, err := e.location()
	if err != nil {
		logger.FromContext(ctx).Debug().Err(err).Msg("Could not localize timezone")
		return t.UTC()
	}
	return t.In(loc)
}

func hostLocation() (*time.Location, error) {
	if tz := os.Getenv("TZ"); tz != "" {
		return time.LoadLocation(tz)
	}
	return time.Local, nil
}

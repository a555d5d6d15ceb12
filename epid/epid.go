// Package epid generates the extended product id a KMS host returns with
// every activation.
package epid

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/xmdhs/kmsd/catalog"
	"github.com/xmdhs/kmsd/codec"
)

// licenseChannel is always Volume.
const licenseChannel = 3

// Fallback parameters are those of a Windows Server 2019 host.
var (
	fallbackCsvlk = catalog.Csvlk{
		DisplayName: "Windows Server 2019",
		GroupID:     206,
		MinKeyID:    551000000,
		MaxKeyID:    570999999,
	}
	fallbackBuild = catalog.WinBuild{
		Index:       5,
		BuildNumber: 17763,
		PlatformID:  3612,
		MinDate:     time.Date(2018, 10, 2, 0, 0, 0, 0, time.UTC),
		DisplayName: "Windows Server 2019",
	}
)

// Params are the catalog entries an ePID is derived from.
type Params struct {
	Csvlk    catalog.Csvlk
	Build    catalog.WinBuild
	Fallback bool
}

type Generator struct {
	catalog *catalog.Catalog
	now     func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

type Option func(*Generator)

// WithRand makes the generator draw from r instead of the global source.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rand = r }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New returns a generator over c. A nil catalog always uses the fallback
// parameters.
func New(c *catalog.Catalog, opts ...Option) *Generator {
	g := &Generator{catalog: c, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Params resolves the CSVLK activating countedID and its host build: the
// first build, in catalog order, the key is not marked invalid for.
func (g *Generator) Params(countedID codec.UUID) Params {
	if g.catalog == nil {
		return Params{Csvlk: fallbackCsvlk, Build: fallbackBuild, Fallback: true}
	}
	cs, ok := g.catalog.CsvlkFor(countedID)
	if !ok {
		return Params{Csvlk: fallbackCsvlk, Build: fallbackBuild, Fallback: true}
	}
	for _, b := range g.catalog.WinBuilds {
		if cs.ValidFor(b) {
			if b.MinDate.IsZero() {
				b.MinDate = fallbackBuild.MinDate
			}
			return Params{Csvlk: *cs, Build: b}
		}
	}
	return Params{Csvlk: *cs, Build: fallbackBuild, Fallback: true}
}

// Generate returns an ePID of the form
//
//	PPPPP-GGGGG-KKK-KKKKKK-03-LCID-BBBB.0000-DDDYYYY
//
// where the key id is drawn from the CSVLK range and DDDYYYY holds the days
// since 1 January and the year of a random date between the build's MinDate
// and now. All protocol versions share this layout.
func (g *Generator) Generate(countedID codec.UUID, versionMajor uint16, lcid uint32) string {
	p := g.Params(countedID)

	now := g.now().UTC()
	span := now.Unix() - p.Build.MinDate.Unix()
	if span <= 0 {
		span = 1
	}

	g.mu.Lock()
	keyID := p.Csvlk.MinKeyID + g.int64N(p.Csvlk.MaxKeyID-p.Csvlk.MinKeyID+1)
	date := time.Unix(p.Build.MinDate.Unix()+g.int64N(span), 0).UTC()
	g.mu.Unlock()

	return fmt.Sprintf("%05d-%05d-%03d-%06d-%02d-%d-%04d.0000-%03d%04d",
		p.Build.PlatformID,
		p.Csvlk.GroupID,
		keyID/1000000,
		keyID%1000000,
		licenseChannel,
		lcid,
		p.Build.BuildNumber,
		dayNumber(date),
		date.Year(),
	)
}

// dayNumber is the number of days since 1 January of t's year, rounded to
// the nearest day, so 1 January at midnight is day 0.
func dayNumber(t time.Time) int {
	first := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	return int(t.Sub(first).Hours()/24 + 0.5)
}

func (g *Generator) int64N(n int64) int64 {
	if g.rand != nil {
		return g.rand.Int64N(n)
	}
	return rand.Int64N(n)
}

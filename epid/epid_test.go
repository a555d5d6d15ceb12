package epid

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmdhs/kmsd/catalog"
	"github.com/xmdhs/kmsd/codec"
)

var epidPattern = regexp.MustCompile(`^(\d{5})-(\d{5})-(\d{3})-(\d{6})-03-(\d+)-(\d{4,5})\.0000-(\d{3})(\d{4})$`)

var (
	win10  = codec.MustParseUUID("58e2134f-8e11-4d17-9cb2-91069c151148")
	office = codec.MustParseUUID("85b5f61b-320b-4be3-814a-b76b2bfafc82")
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestGenerateFormat(t *testing.T) {
	g := New(catalog.Default(), WithClock(fixedClock), WithRand(rand.New(rand.NewPCG(1, 2))))

	testcases := map[string]struct {
		id       codec.UUID
		platform string
		build    string
		minKey   int64
		maxKey   int64
		minDate  time.Time
	}{
		"windows": {
			id: win10, platform: "03612", build: "17763",
			minKey: 551000000, maxKey: 570999999,
			minDate: time.Date(2018, 10, 2, 0, 0, 0, 0, time.UTC),
		},
		"office": {
			id: office, platform: "06401", build: "9600",
			minKey: 666000000, maxKey: 685999999,
			minDate: time.Date(2013, 10, 18, 0, 0, 0, 0, time.UTC),
		},
		"unknown": {
			id: codec.MustParseUUID("00000000-0000-0000-0000-000000000001"), platform: "03612", build: "17763",
			minKey: 551000000, maxKey: 570999999,
			minDate: time.Date(2018, 10, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			for range 50 {
				s := g.Generate(tc.id, 6, 1033)
				m := epidPattern.FindStringSubmatch(s)
				require.NotNil(t, m, s)

				assert.Equal(t, tc.platform, m[1])
				assert.Equal(t, "00206", m[2])
				assert.Equal(t, "1033", m[5])
				assert.Equal(t, tc.build, m[6])

				hi, _ := strconv.ParseInt(m[3], 10, 64)
				lo, _ := strconv.ParseInt(m[4], 10, 64)
				key := hi*1000000 + lo
				assert.GreaterOrEqual(t, key, tc.minKey)
				assert.LessOrEqual(t, key, tc.maxKey)

				day, _ := strconv.Atoi(m[7])
				year, _ := strconv.Atoi(m[8])
				date := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day)
				assert.False(t, date.Before(tc.minDate), s)
				// Rounding may push the day past the clock by one.
				assert.False(t, date.After(fixedClock().AddDate(0, 0, 1)), s)
			}
		})
	}
}

func TestParams(t *testing.T) {
	g := New(catalog.Default())

	p := g.Params(win10)
	assert.False(t, p.Fallback)
	assert.Equal(t, 5, p.Build.Index)
	assert.Equal(t, "Windows Server 2019", p.Csvlk.DisplayName)

	p = g.Params(codec.NewRandomUUID())
	assert.True(t, p.Fallback)
	assert.Equal(t, 17763, p.Build.BuildNumber)

	p = New(nil).Params(win10)
	assert.True(t, p.Fallback)
}

func TestMinDateInFuture(t *testing.T) {
	past := func() time.Time { return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC) }
	s := New(nil, WithClock(past)).Generate(win10, 4, 1031)
	m := epidPattern.FindStringSubmatch(s)
	require.NotNil(t, m, s)
	assert.Equal(t, "2742018", m[7]+m[8])
}

func TestDayNumber(t *testing.T) {
	testcases := map[string]struct {
		in   time.Time
		want int
	}{
		"new year":       {in: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), want: 0},
		"new year noon":  {in: time.Date(2026, 1, 1, 11, 59, 0, 0, time.UTC), want: 0},
		"rounded up":     {in: time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), want: 1},
		"min date":       {in: time.Date(2018, 10, 2, 0, 0, 0, 0, time.UTC), want: 274},
		"leap day":       {in: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), want: 59},
		"last day":       {in: time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), want: 364},
		"last day night": {in: time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC), want: 365},
	}
	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, dayNumber(tc.in))
		})
	}
}

func TestDeterministicWithSeed(t *testing.T) {
	a := New(catalog.Default(), WithClock(fixedClock), WithRand(rand.New(rand.NewPCG(7, 7))))
	b := New(catalog.Default(), WithClock(fixedClock), WithRand(rand.New(rand.NewPCG(7, 7))))
	assert.Equal(t, a.Generate(win10, 6, 1033), b.Generate(win10, 6, 1033))
}

func TestConcurrentGenerate(t *testing.T) {
	g := New(catalog.Default(), WithRand(rand.New(rand.NewPCG(3, 4))))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				assert.Regexp(t, epidPattern, g.Generate(office, 5, 1033))
			}
		}()
	}
	wg.Wait()
}

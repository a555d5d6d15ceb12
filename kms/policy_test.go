package kms

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientCount(t *testing.T) {
	testcases := map[string]struct {
		min, override uint32
		want          uint32
		warning       PolicyWarning
	}{
		"no override":          {min: 5, override: 0, want: 10, warning: WarnNone},
		"below minimum":        {min: 5, override: 3, want: 6, warning: WarnNotEnoughClients},
		"at minimum":           {min: 5, override: 5, want: 5, warning: WarnBelowRequired},
		"between":              {min: 5, override: 7, want: 7, warning: WarnBelowRequired},
		"at required":          {min: 5, override: 10, want: 10, warning: WarnNone},
		"above required":       {min: 5, override: 12, want: 10, warning: WarnAboveRequired},
		"desktop default":      {min: 25, override: 0, want: 50, warning: WarnNone},
		"zero minimum":         {min: 0, override: 0, want: 0, warning: WarnNone},
		"zero min override":    {min: 0, override: 3, want: 0, warning: WarnAboveRequired},
		"huge minimum":         {min: 1 << 31, override: 0, want: 1<<32 - 1, warning: WarnNone},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			got, w := ClientCount(tc.min, tc.override)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.warning, w)
		})
	}
}

func TestPolicyHolder(t *testing.T) {
	h := NewPolicyHolder(Policy{LCID: 1033})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				p := h.Load()
				assert.Contains(t, []uint32{1033, 1031}, p.LCID)
				if i == 0 {
					h.Store(Policy{LCID: 1031})
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint32(1031), h.Load().LCID)
}

func TestPolicyWarningString(t *testing.T) {
	assert.Equal(t, "too many clients", WarnAboveRequired.String())
	assert.Equal(t, "unknown warning", PolicyWarning(99).String())
}

func TestLicenseState(t *testing.T) {
	assert.Equal(t, "Grace Period", LicenseState(2).String())
	assert.Equal(t, "Extended Grace Period", LicenseState(6).String())
	assert.Equal(t, "Unknown (7)", LicenseState(7).String())
}

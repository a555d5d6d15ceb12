package kms

import (
	"math"
	"sync"
)

// Policy is the server side configuration consulted for every request. A
// Policy value is never modified once published through a PolicyHolder.
type Policy struct {
	// Epid is returned verbatim when set; otherwise one is generated.
	Epid string
	LCID uint32
	// ClientCount overrides the reported number of active clients. Zero
	// means no override.
	ClientCount uint32
	// Intervals are in minutes.
	ActivationInterval uint32
	RenewalInterval    uint32
	HWID               [8]byte
}

// PolicyHolder publishes the current Policy to concurrent readers and lets
// a reload replace it wholesale.
type PolicyHolder struct {
	mu sync.RWMutex
	p  Policy
}

func NewPolicyHolder(p Policy) *PolicyHolder {
	return &PolicyHolder{p: p}
}

func (h *PolicyHolder) Load() Policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.p
}

func (h *PolicyHolder) Store(p Policy) {
	h.mu.Lock()
	h.p = p
	h.mu.Unlock()
}

// PolicyWarning flags a response that a client may consider suspicious.
type PolicyWarning uint8

const (
	WarnNone PolicyWarning = iota
	// WarnNotEnoughClients: the override was below the client's minimum and
	// was raised to minimum + 1.
	WarnNotEnoughClients
	// WarnBelowRequired: the override lies between the minimum and the
	// count a genuine host would report.
	WarnBelowRequired
	// WarnAboveRequired: the override exceeded the required count and was
	// capped.
	WarnAboveRequired
	// WarnUnknownProduct: an application or SKU id is missing from the
	// catalog.
	WarnUnknownProduct
)

func (w PolicyWarning) String() string {
	switch w {
	case WarnNone:
		return "none"
	case WarnNotEnoughClients:
		return "not enough clients"
	case WarnBelowRequired:
		return "below required clients"
	case WarnAboveRequired:
		return "too many clients"
	case WarnUnknownProduct:
		return "unknown product"
	}
	return "unknown warning"
}

// ClientCount returns the active client count to report for a request
// needing minClients, given the configured override (0 for none). Without
// an override a host reports twice the minimum.
func ClientCount(minClients, override uint32) (uint32, PolicyWarning) {
	required := min(uint64(minClients)*2, math.MaxUint32)

	switch o := uint64(override); {
	case o == 0:
		return uint32(required), WarnNone
	case o < uint64(minClients):
		return minClients + 1, WarnNotEnoughClients
	case o < required:
		return override, WarnBelowRequired
	case o > required:
		return uint32(required), WarnAboveRequired
	default:
		return uint32(required), WarnNone
	}
}

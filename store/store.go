// Package store persists per-client activation records so repeated requests
// from one client machine observe a stable ePID and a request counter.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: client not found")
	ErrClosed   = errors.New("store: closed")
)

// Client is one row of the clients table. Application and SKU hold the
// resolved display names when the catalog knows them.
type Client struct {
	ClientMachineID string
	MachineName     string
	ApplicationID   string
	SkuID           string
	LicenseStatus   string
	LastRequestTime int64
	KmsEpid         string
	RequestCount    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Activation is the outcome of Store.Activate.
type Activation struct {
	Epid         string
	RequestCount int64
}

// Store implementations make every method atomic per client machine id.
type Store interface {
	// UpsertClient inserts the record or refreshes it, incrementing the
	// request counter. It returns the counter after the write.
	UpsertClient(ctx context.Context, c Client) (int64, error)
	// GetOrStoreEpid returns the ePID already stored for the client, or
	// stores and returns epid when there is none.
	GetOrStoreEpid(ctx context.Context, clientID, epid string) (string, error)
	// Activate performs UpsertClient followed by GetOrStoreEpid as a single
	// atomic step.
	Activate(ctx context.Context, c Client, epid string) (Activation, error)
	Client(ctx context.Context, clientID string) (Client, error)
	Close() error
}

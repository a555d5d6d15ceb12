package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients(
		clientMachineId TEXT PRIMARY KEY,
		machineName TEXT NOT NULL,
		applicationId TEXT NOT NULL,
		skuId TEXT NOT NULL,
		licenseStatus TEXT NOT NULL,
		lastRequestTime INTEGER NOT NULL,
		kmsEpid TEXT,
		requestCount INTEGER DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

const (
	upsertStmt = `INSERT INTO clients
		(clientMachineId, machineName, applicationId, skuId, licenseStatus, lastRequestTime, requestCount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(clientMachineId) DO UPDATE SET
			machineName=excluded.machineName,
			applicationId=excluded.applicationId,
			skuId=excluded.skuId,
			licenseStatus=excluded.licenseStatus,
			lastRequestTime=excluded.lastRequestTime,
			requestCount=requestCount+1,
			updated_at=excluded.updated_at
		RETURNING requestCount`
	selectEpidStmt = `SELECT kmsEpid FROM clients WHERE clientMachineId=?`
	updateEpidStmt = `UPDATE clients SET kmsEpid=?, updated_at=? WHERE clientMachineId=?`
	selectStmt     = `SELECT clientMachineId, machineName, applicationId, skuId, licenseStatus,
		lastRequestTime, kmsEpid, requestCount, created_at, updated_at
		FROM clients WHERE clientMachineId=?`
)

// SQLite stores clients in a SQLite database file. Writes are serialized by
// a store-wide mutex and run in IMMEDIATE transactions; a busy database is
// retried with exponential backoff.
type SQLite struct {
	db      *sql.DB
	mu      sync.Mutex
	now     func() time.Time
	backoff func() backoff.BackOff
}

type SQLiteOption func(*SQLite)

func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) { s.now = now }
}

// WithBackOff sets the policy used to retry busy transactions.
func WithBackOff(fn func() backoff.BackOff) SQLiteOption {
	return func(s *SQLite) { s.backoff = fn }
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the clients table exists.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	s := &SQLite{
		db:  db,
		now: time.Now,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, o := range opts {
		o(s)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) UpsertClient(ctx context.Context, c Client) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) (err error) {
		n, err = s.upsert(ctx, tx, c)
		return err
	})
	return n, err
}

func (s *SQLite) GetOrStoreEpid(ctx context.Context, clientID, epid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out string
	err := s.withTx(ctx, func(tx *sql.Tx) (err error) {
		out, err = s.getOrStoreEpid(ctx, tx, clientID, epid)
		return err
	})
	return out, err
}

func (s *SQLite) Activate(ctx context.Context, c Client, epid string) (Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a Activation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.upsert(ctx, tx, c)
		if err != nil {
			return err
		}
		e, err := s.getOrStoreEpid(ctx, tx, c.ClientMachineID, epid)
		if err != nil {
			return err
		}
		a = Activation{Epid: e, RequestCount: n}
		return nil
	})
	return a, err
}

func (s *SQLite) Client(ctx context.Context, clientID string) (Client, error) {
	var (
		c    Client
		epid sql.NullString
	)
	err := s.db.QueryRowContext(ctx, selectStmt, clientID).Scan(
		&c.ClientMachineID, &c.MachineName, &c.ApplicationID, &c.SkuID, &c.LicenseStatus,
		&c.LastRequestTime, &epid, &c.RequestCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return c, err
	}
	c.KmsEpid = epid.String
	return c, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) upsert(ctx context.Context, tx *sql.Tx, c Client) (int64, error) {
	now := s.now().UTC()
	var n int64
	err := tx.QueryRowContext(ctx, upsertStmt,
		c.ClientMachineID, c.MachineName, c.ApplicationID, c.SkuID, c.LicenseStatus,
		c.LastRequestTime, now, now,
	).Scan(&n)
	return n, err
}

func (s *SQLite) getOrStoreEpid(ctx context.Context, tx *sql.Tx, clientID, epid string) (string, error) {
	var stored sql.NullString
	err := tx.QueryRowContext(ctx, selectEpidStmt, clientID).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if stored.Valid && stored.String != "" {
		return stored.String, nil
	}
	if _, err := tx.ExecContext(ctx, updateEpidStmt, epid, s.now().UTC(), clientID); err != nil {
		return "", err
	}
	return epid, nil
}

// withTx runs fn in a transaction, retrying the whole transaction while
// SQLite reports the database busy or locked.
func (s *SQLite) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	op := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return classify(err)
		}
		return classify(tx.Commit())
	}
	return backoff.Retry(op, backoff.WithContext(s.backoff(), ctx))
}

func classify(err error) error {
	if err == nil || busy(err) {
		return err
	}
	return backoff.Permanent(err)
}

func busy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

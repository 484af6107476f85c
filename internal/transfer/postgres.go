package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/poyrazK/cloudDNS/internal/infrastructure/metrics"
)

// SerialStore persists the last successfully transferred serial per zone,
// so a restarted driver resumes incremental checks instead of forcing
// first_transfer semantics on every run.
type SerialStore struct {
	db *sql.DB
}

// NewSerialStore wraps an already-open *sql.DB; the caller owns the pool,
// typically opened via sql.Open("pgx", dsn).
func NewSerialStore(db *sql.DB) *SerialStore {
	return &SerialStore{db: db}
}

// EnsureSchema creates the bookkeeping table if it does not already exist.
func (s *SerialStore) EnsureSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS zone_transfer_state (
		zone TEXT PRIMARY KEY,
		last_serial BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("transfer: ensure schema: %w", err)
	}
	metrics.DBConnectionsActive.Set(float64(s.db.Stats().OpenConnections))
	return nil
}

// LastSerial returns the last recorded serial for zone and whether a row
// exists at all; an absent row means the next transfer is a first_transfer.
func (s *SerialStore) LastSerial(ctx context.Context, zone string) (uint32, bool, error) {
	const query = `SELECT last_serial FROM zone_transfer_state WHERE zone = $1`
	var serial int64
	err := s.db.QueryRowContext(ctx, query, zone).Scan(&serial)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("transfer: query last serial: %w", err)
	}
	return uint32(serial), true, nil // #nosec G115 -- DNS serials are 32-bit
}

// SetSerial upserts the last-known serial for zone.
func (s *SerialStore) SetSerial(ctx context.Context, zone string, serial uint32) error {
	const query = `INSERT INTO zone_transfer_state (zone, last_serial, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (zone) DO UPDATE SET last_serial = EXCLUDED.last_serial, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, zone, serial); err != nil {
		return fmt.Errorf("transfer: set last serial: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/loadscope/loadscope/pkg/log"
	"github.com/loadscope/loadscope/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteDatabase implements Database on a local SQLite file. Telemetry rows
// keep the ingest schema; fingerprints and sessions are JSON blobs next to
// the columns that get queried.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// configuredSQLite sets up the SQLite backend.
// It registers flags for configuration.
func configuredSQLite() *SQLiteDatabase {
	path := lflag.String("sqlite-path", "loadscope.db", "Path to the SQLite database file")

	s := &SQLiteDatabase{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// Validate checks if the backend is properly configured.
func (s *SQLiteDatabase) Validate() error {
	if s.path == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	return nil
}

// Init opens the database and applies pending migrations.
// This must be called before using the backend methods.
func (s *SQLiteDatabase) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping sqlite database %s: %w", s.path, err)
	}
	s.db = db

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(db, migrationFS, "migrations")
	log.Ctx(ctx).DebugContext(ctx, "sqlite migrations applied", slog.String("path", s.path))
	return nil
}

// Close closes the database handle.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ListCustomerIDs returns every customer with at least one telemetry row.
func (s *SQLiteDatabase) ListCustomerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT customer_id FROM customer_telemetry_15m ORDER BY customer_id")
	if err != nil {
		return nil, fmt.Errorf("error querying customers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning customer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTelemetry retrieves telemetry points within the time range for a
// customer. Timestamps are stored as RFC3339 UTC strings so the range filter
// works with plain string comparison.
func (s *SQLiteDatabase) GetTelemetry(ctx context.Context, customerID string, start, end time.Time) ([]types.TelemetryPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts, power_watts FROM customer_telemetry_15m "+
			"WHERE customer_id = ? AND ts >= ? AND ts < ? "+
			"ORDER BY ts",
		customerID,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("error querying telemetry: %w", err)
	}
	defer rows.Close()

	var points []types.TelemetryPoint
	for rows.Next() {
		var ts string
		var watts float64
		if err := rows.Scan(&ts, &watts); err != nil {
			return nil, fmt.Errorf("error scanning telemetry row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping telemetry row with bad timestamp", slog.String("ts", ts), slog.String("customerID", customerID))
			continue
		}
		points = append(points, types.TelemetryPoint{
			Timestamp:  parsed,
			PowerWatts: watts,
		})
	}
	return points, rows.Err()
}

// InsertTelemetry stores raw telemetry points for a customer. Duplicate
// timestamps overwrite so re-ingesting a window is safe.
func (s *SQLiteDatabase) InsertTelemetry(ctx context.Context, customerID string, points []types.TelemetryPoint) error {
	for _, p := range points {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO customer_telemetry_15m (customer_id, ts, power_watts) "+
				"VALUES (?, ?, ?) "+
				"ON CONFLICT(customer_id, ts) DO UPDATE SET power_watts = excluded.power_watts",
			customerID,
			p.Timestamp.UTC().Format(time.RFC3339),
			p.PowerWatts,
		)
		if err != nil {
			return fmt.Errorf("error inserting telemetry: %w", err)
		}
	}
	return nil
}

// GetFingerprints retrieves all persisted fingerprints for a customer.
// A customer with no history returns an empty slice, not an error.
func (s *SQLiteDatabase) GetFingerprints(ctx context.Context, customerID string) ([]types.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT json FROM appliance_fingerprints WHERE customer_id = ? ORDER BY id",
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("error querying fingerprints: %w", err)
	}
	defer rows.Close()

	var fingerprints []types.Fingerprint
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("error scanning fingerprint row: %w", err)
		}
		var fp types.Fingerprint
		if err := json.Unmarshal([]byte(blob), &fp); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed fingerprint row", slog.String("customerID", customerID), slog.Any("err", err))
			continue
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, rows.Err()
}

// UpsertFingerprints writes fingerprints keyed by (customer, id).
func (s *SQLiteDatabase) UpsertFingerprints(ctx context.Context, customerID string, fingerprints []types.Fingerprint) error {
	for _, fp := range fingerprints {
		if fp.ID == "" {
			return fmt.Errorf("fingerprint missing id")
		}
		blob, err := json.Marshal(fp)
		if err != nil {
			return fmt.Errorf("failed to marshal fingerprint %s: %w", fp.ID, err)
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO appliance_fingerprints (customer_id, id, json, updated_at) "+
				"VALUES (?, ?, ?, ?) "+
				"ON CONFLICT(customer_id, id) DO UPDATE SET json = excluded.json, updated_at = excluded.updated_at",
			customerID,
			fp.ID,
			string(blob),
			fp.UpdatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert fingerprint %s: %w", fp.ID, err)
		}
	}
	return nil
}

// UpsertSessions writes inferred sessions keyed by (customer, session id).
// The user_label column is never touched on conflict, a label written through
// SetSessionLabel survives every later inference pass.
func (s *SQLiteDatabase) UpsertSessions(ctx context.Context, customerID string, sessions []types.InferredSession) error {
	for _, sess := range sessions {
		if sess.SessionID == "" {
			return fmt.Errorf("session missing id")
		}
		blob, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session %s: %w", sess.SessionID, err)
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO appliance_sessions (customer_id, session_id, json, ts_start, user_label) "+
				"VALUES (?, ?, ?, ?, '') "+
				"ON CONFLICT(customer_id, session_id) DO UPDATE SET json = excluded.json, ts_start = excluded.ts_start",
			customerID,
			sess.SessionID,
			string(blob),
			sess.TSStart.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", sess.SessionID, err)
		}
	}
	return nil
}

// SetSessionLabel records a user-confirmed label for an existing session.
func (s *SQLiteDatabase) SetSessionLabel(ctx context.Context, customerID, sessionID, label string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE appliance_sessions SET user_label = ? WHERE customer_id = ? AND session_id = ?",
		label, customerID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to set session label: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s not found for customer %s", sessionID, customerID)
	}
	return nil
}

// GetSessionLabels retrieves user-confirmed labels keyed by session id.
func (s *SQLiteDatabase) GetSessionLabels(ctx context.Context, customerID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id, user_label FROM appliance_sessions "+
			"WHERE customer_id = ? AND user_label != ''",
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("error querying session labels: %w", err)
	}
	defer rows.Close()

	labels := make(map[string]string)
	for rows.Next() {
		var sessionID, label string
		if err := rows.Scan(&sessionID, &label); err != nil {
			return nil, fmt.Errorf("error scanning session label: %w", err)
		}
		labels[sessionID] = label
	}
	return labels, rows.Err()
}

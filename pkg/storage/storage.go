package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/loadscope/loadscope/pkg/types"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
)

// Database defines the persistence boundary of the analyzer: telemetry
// windows in, fingerprints and inferred sessions round-tripped. The inference
// core never touches it; only the runner does.
type Database interface {
	// Customers & Telemetry
	ListCustomerIDs(ctx context.Context) ([]string, error)
	GetTelemetry(ctx context.Context, customerID string, start, end time.Time) ([]types.TelemetryPoint, error)

	// Fingerprints
	GetFingerprints(ctx context.Context, customerID string) ([]types.Fingerprint, error)
	// UpsertFingerprints upserts by (customerID, id), last write wins on
	// centroid fields. Callers serialize per customer.
	UpsertFingerprints(ctx context.Context, customerID string, fingerprints []types.Fingerprint) error

	// Sessions & label feedback
	// UpsertSessions stores inferred sessions by stable session id without
	// clobbering any user-supplied label already on the record.
	UpsertSessions(ctx context.Context, customerID string, sessions []types.InferredSession) error
	// GetSessionLabels returns user-confirmed labels keyed by session id.
	GetSessionLabels(ctx context.Context, customerID string) (map[string]string, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage backend based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage backend to use (available: sqlite, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

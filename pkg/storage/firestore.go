package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loadscope/loadscope/pkg/log"
	"github.com/loadscope/loadscope/pkg/types"
)

// FirestoreDatabase implements Database on Google Cloud Firestore. Records
// live under per-customer subcollections as JSON string blobs next to the few
// fields that are queried directly.
type FirestoreDatabase struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore backend.
// It registers flags for configuration.
func configuredFirestore() *FirestoreDatabase {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreDatabase{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the backend is properly configured.
func (f *FirestoreDatabase) Validate() error {
	// Project ID may be empty when inferred from the environment.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the backend methods.
func (f *FirestoreDatabase) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreDatabase) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreDatabase) getCollection(customerID, name string) (*firestore.CollectionRef, error) {
	if customerID == "" {
		return nil, fmt.Errorf("customerID cannot be empty")
	}
	return f.client.Collection("customers").Doc(customerID).Collection(name), nil
}

// ListCustomerIDs returns the ids of all customers with a document in the
// "customers" collection.
func (f *FirestoreDatabase) ListCustomerIDs(ctx context.Context) ([]string, error) {
	iter := f.client.Collection("customers").Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating customers: %w", err)
		}
		ids = append(ids, doc.Ref.ID)
	}
	return ids, nil
}

// GetTelemetry retrieves telemetry points within the time range for a
// customer. Document IDs are RFC3339 timestamps, so the range filter runs on
// the document ID without reading the whole collection.
func (f *FirestoreDatabase) GetTelemetry(ctx context.Context, customerID string, start, end time.Time) ([]types.TelemetryPoint, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(customerID, "telemetry")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var points []types.TelemetryPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating telemetry: %w", err)
		}

		jsonStr, err := docJSON(ctx, doc, customerID, "telemetry")
		if err != nil {
			return nil, err
		}

		var p types.TelemetryPoint
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal telemetry point", slog.String("docID", doc.Ref.ID), slog.String("customerID", customerID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal telemetry point (id=%s): %w", doc.Ref.ID, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// GetFingerprints retrieves all persisted fingerprints for a customer.
// A missing customer is treated as no history, not an error.
func (f *FirestoreDatabase) GetFingerprints(ctx context.Context, customerID string) ([]types.Fingerprint, error) {
	coll, err := f.getCollection(customerID, "fingerprints")
	if err != nil {
		return nil, err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	var fingerprints []types.Fingerprint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating fingerprints: %w", err)
		}

		jsonStr, err := docJSON(ctx, doc, customerID, "fingerprint")
		if err != nil {
			// Skip malformed documents: absent or malformed history degrades
			// to the cold path instead of failing the customer.
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed fingerprint doc", slog.String("docID", doc.Ref.ID), slog.String("customerID", customerID))
			continue
		}

		var fp types.Fingerprint
		if err := json.Unmarshal([]byte(jsonStr), &fp); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal fingerprint", slog.String("docID", doc.Ref.ID), slog.String("customerID", customerID), slog.Any("err", err))
			continue
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, nil
}

// UpsertFingerprints writes fingerprints by id as JSON blobs. The fingerprint
// id is the document ID so repeated calls settle on one document per
// signature.
func (f *FirestoreDatabase) UpsertFingerprints(ctx context.Context, customerID string, fingerprints []types.Fingerprint) error {
	coll, err := f.getCollection(customerID, "fingerprints")
	if err != nil {
		return err
	}
	for _, fp := range fingerprints {
		if fp.ID == "" {
			return fmt.Errorf("fingerprint missing id")
		}
		jsonBytes, err := json.Marshal(fp)
		if err != nil {
			return fmt.Errorf("failed to marshal fingerprint %s: %w", fp.ID, err)
		}
		_, err = coll.Doc(fp.ID).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"updatedAt": fp.UpdatedAt,
			"version":   types.CurrentFingerprintVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert fingerprint %s: %w", fp.ID, err)
		}
	}
	return nil
}

// UpsertSessions writes inferred sessions by stable session id. MergeAll
// keeps a userLabel written by the feedback UI from being clobbered by the
// next inference pass.
func (f *FirestoreDatabase) UpsertSessions(ctx context.Context, customerID string, sessions []types.InferredSession) error {
	coll, err := f.getCollection(customerID, "sessions")
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.SessionID == "" {
			return fmt.Errorf("session missing id")
		}
		jsonBytes, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal session %s: %w", s.SessionID, err)
		}
		_, err = coll.Doc(s.SessionID).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": s.TSStart,
			"version":   types.CurrentSessionVersion,
		}, firestore.MergeAll)
		if err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", s.SessionID, err)
		}
	}
	return nil
}

// GetSessionLabels retrieves user-confirmed labels keyed by session id.
func (f *FirestoreDatabase) GetSessionLabels(ctx context.Context, customerID string) (map[string]string, error) {
	coll, err := f.getCollection(customerID, "sessions")
	if err != nil {
		return nil, err
	}
	iter := coll.Where("userLabel", ">", "").Documents(ctx)
	defer iter.Stop()

	labels := make(map[string]string)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating session labels: %w", err)
		}

		val, err := doc.DataAt("userLabel")
		if err != nil {
			continue
		}
		label, ok := val.(string)
		if !ok || label == "" {
			log.Ctx(ctx).WarnContext(ctx, "session doc userLabel not string", slog.String("docID", doc.Ref.ID), slog.String("customerID", customerID))
			continue
		}
		labels[doc.Ref.ID] = label
	}
	return labels, nil
}

func docJSON(ctx context.Context, doc *firestore.DocumentSnapshot, customerID, kind string) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID), slog.String("customerID", customerID), slog.Any("err", err))
		return "", fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID), slog.String("customerID", customerID))
		return "", fmt.Errorf("%s document %s 'json' field is not string", kind, doc.Ref.ID)
	}
	return jsonStr, nil
}

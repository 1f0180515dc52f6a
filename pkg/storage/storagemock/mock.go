package storagemock

import (
	"context"
	"time"

	"github.com/loadscope/loadscope/pkg/storage"
	"github.com/loadscope/loadscope/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) ListCustomerIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]string), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetTelemetry(ctx context.Context, customerID string, start, end time.Time) ([]types.TelemetryPoint, error) {
	args := m.Called(ctx, customerID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.TelemetryPoint), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetFingerprints(ctx context.Context, customerID string) ([]types.Fingerprint, error) {
	args := m.Called(ctx, customerID)
	if len(args) > 0 {
		return args.Get(0).([]types.Fingerprint), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertFingerprints(ctx context.Context, customerID string, fingerprints []types.Fingerprint) error {
	args := m.Called(ctx, customerID, fingerprints)
	return args.Error(0)
}

func (m *MockDatabase) UpsertSessions(ctx context.Context, customerID string, sessions []types.InferredSession) error {
	args := m.Called(ctx, customerID, sessions)
	return args.Error(0)
}

func (m *MockDatabase) GetSessionLabels(ctx context.Context, customerID string) (map[string]string, error) {
	args := m.Called(ctx, customerID)
	if len(args) > 0 {
		return args.Get(0).(map[string]string), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

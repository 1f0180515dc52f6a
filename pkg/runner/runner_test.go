package runner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/loadscope/loadscope/pkg/disagg"
	"github.com/loadscope/loadscope/pkg/storage/storagemock"
	"github.com/loadscope/loadscope/pkg/types"
)

func newTestRunner(db *storagemock.MockDatabase, now time.Time) *Runner {
	return &Runner{
		storage:        db,
		engine:         disagg.New(),
		interval:       time.Hour,
		windowDays:     14,
		priceEURPerKWH: 0.20,
		maxAppliances:  12,
		now:            func() time.Time { return now },
	}
}

// testWindow builds two days of flat 60W readings with a single 45 minute
// 960W burst, enough for one clear session above the baseline.
func testWindow(start time.Time) []types.TelemetryPoint {
	points := make([]types.TelemetryPoint, 0, 192)
	for i := 0; i < 192; i++ {
		watts := 60.0
		if i >= 80 && i <= 82 {
			watts = 960.0
		}
		points = append(points, types.TelemetryPoint{
			Timestamp:  start.Add(time.Duration(i) * types.SamplingInterval),
			PowerWatts: watts,
		})
	}
	return points
}

func TestRunCustomerColdPath(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-14 * 24 * time.Hour)

	db := &storagemock.MockDatabase{}
	r := newTestRunner(db, now)

	points := testWindow(now.Add(-48 * time.Hour))
	db.On("GetTelemetry", mock.Anything, "cust-1", windowStart, now).Return(points, nil)
	db.On("GetFingerprints", mock.Anything, "cust-1").Return([]types.Fingerprint(nil), nil)
	db.On("UpsertSessions", mock.Anything, "cust-1", mock.MatchedBy(func(sessions []types.InferredSession) bool {
		return len(sessions) == 1 && sessions[0].FingerprintID == ""
	})).Return(nil)

	require.NoError(t, r.RunCustomer(ctx, "cust-1"))

	// cold path never writes fingerprints
	db.AssertNotCalled(t, "UpsertFingerprints", mock.Anything, mock.Anything, mock.Anything)
	db.AssertExpectations(t)
}

func TestRunCustomerWarmPath(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-14 * 24 * time.Hour)

	db := &storagemock.MockDatabase{}
	r := newTestRunner(db, now)

	known := []types.Fingerprint{{
		ID:              "fp-1",
		CustomerID:      "cust-1",
		MeanWatts:       900,
		DurationMinutes: 45,
		PeakWatts:       900,
		StartStepWatts:  900,
		SessionCount:    4,
		Label:           "Water heater",
		Category:        "water-heating",
		LabelConfidence: 0.3,
	}}

	points := testWindow(now.Add(-48 * time.Hour))
	db.On("GetTelemetry", mock.Anything, "cust-1", windowStart, now).Return(points, nil)
	db.On("GetFingerprints", mock.Anything, "cust-1").Return(known, nil)
	db.On("GetSessionLabels", mock.Anything, "cust-1").Return(map[string]string{}, nil)
	db.On("UpsertFingerprints", mock.Anything, "cust-1", mock.MatchedBy(func(fps []types.Fingerprint) bool {
		return len(fps) == 1 && fps[0].ID == "fp-1" && fps[0].SessionCount == 5
	})).Return(nil)
	db.On("UpsertSessions", mock.Anything, "cust-1", mock.MatchedBy(func(sessions []types.InferredSession) bool {
		return len(sessions) == 1 && sessions[0].FingerprintID == "fp-1" &&
			sessions[0].InferredLabel == "Water heater"
	})).Return(nil)

	require.NoError(t, r.RunCustomer(ctx, "cust-1"))
	db.AssertExpectations(t)
}

func TestRunCustomerNoTelemetry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	db := &storagemock.MockDatabase{}
	r := newTestRunner(db, now)

	db.On("GetTelemetry", mock.Anything, "cust-1", mock.Anything, mock.Anything).
		Return([]types.TelemetryPoint(nil), nil)

	require.NoError(t, r.RunCustomer(ctx, "cust-1"))
	db.AssertNotCalled(t, "GetFingerprints", mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "UpsertSessions", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunAllContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	db := &storagemock.MockDatabase{}
	r := newTestRunner(db, now)

	db.On("ListCustomerIDs", mock.Anything).Return([]string{"bad", "good"}, nil)
	db.On("GetTelemetry", mock.Anything, "bad", mock.Anything, mock.Anything).
		Return([]types.TelemetryPoint(nil), fmt.Errorf("boom"))
	db.On("GetTelemetry", mock.Anything, "good", mock.Anything, mock.Anything).
		Return([]types.TelemetryPoint(nil), nil)

	// one failure out of two is not a pass failure
	require.NoError(t, r.RunAll(ctx))
	db.AssertExpectations(t)
}

func TestRunAllAllCustomersFailed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	db := &storagemock.MockDatabase{}
	r := newTestRunner(db, now)

	db.On("ListCustomerIDs", mock.Anything).Return([]string{"bad"}, nil)
	db.On("GetTelemetry", mock.Anything, "bad", mock.Anything, mock.Anything).
		Return([]types.TelemetryPoint(nil), fmt.Errorf("boom"))

	assert.Error(t, r.RunAll(ctx))
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	db := &storagemock.MockDatabase{}
	r := newTestRunner(db, now)
	r.runOnce = true

	db.On("ListCustomerIDs", mock.Anything).Return([]string{}, nil)

	// returns after a single pass instead of blocking on the ticker
	require.NoError(t, r.Run(ctx))
	db.AssertNumberOfCalls(t, "ListCustomerIDs", 1)
}

func TestAppliances(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	db := &storagemock.MockDatabase{}
	r := newTestRunner(db, now)

	points := testWindow(now.Add(-48 * time.Hour))
	db.On("GetTelemetry", mock.Anything, "cust-1", mock.Anything, mock.Anything).Return(points, nil)
	db.On("GetFingerprints", mock.Anything, "cust-1").Return([]types.Fingerprint(nil), nil)

	appliances, err := r.Appliances(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, appliances, 2)

	// stand-by entry is always present
	var foundStandby bool
	for _, a := range appliances {
		if a.ID == types.StandbyApplianceID {
			foundStandby = true
			assert.Equal(t, types.StandbyApplianceName, a.Name)
		}
	}
	assert.True(t, foundStandby)

	// nothing persisted on the read-only path
	db.AssertNotCalled(t, "UpsertSessions", mock.Anything, mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "UpsertFingerprints", mock.Anything, mock.Anything, mock.Anything)
}

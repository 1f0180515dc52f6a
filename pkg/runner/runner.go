// Package runner drives the disaggregation pipeline on a schedule. Every
// interval it walks the known customers, pulls their recent telemetry and
// appliance history from storage, runs inference and writes the results back.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/loadscope/loadscope/pkg/disagg"
	"github.com/loadscope/loadscope/pkg/log"
	"github.com/loadscope/loadscope/pkg/storage"
	"github.com/loadscope/loadscope/pkg/types"
)

// Runner periodically runs inference for every customer.
type Runner struct {
	storage storage.Database
	engine  *disagg.Engine

	interval       time.Duration
	windowDays     int
	priceEURPerKWH float64
	maxAppliances  int
	runOnce        bool

	now func() time.Time
}

// Configured initializes the Runner with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(s storage.Database) *Runner {
	r := &Runner{
		storage: s,
		engine:  disagg.New(),
		now:     time.Now,
	}

	interval := lflag.Duration("run-interval", time.Hour, "How often to run inference for all customers")
	windowDays := lflag.Int("window-days", 14, "Days of telemetry to analyze per run")
	price := lflag.Float64("price-eur-per-kwh", 0.20, "Electricity price used for cost estimates")
	maxAppliances := lflag.Int("max-appliances", 12, "Maximum appliances reported per customer")
	runOnce := lflag.Bool("run-once", false, "Run a single pass over all customers and exit")

	lflag.Do(func() {
		r.interval = *interval
		r.windowDays = *windowDays
		r.priceEURPerKWH = *price
		r.maxAppliances = *maxAppliances
		r.runOnce = *runOnce

		if r.interval <= 0 {
			panic(fmt.Errorf("run-interval must be positive, got %s", r.interval))
		}
		if r.windowDays <= 0 {
			panic(fmt.Errorf("window-days must be positive, got %d", r.windowDays))
		}
	})

	return r
}

// Run blocks until the context is canceled, running a full pass immediately
// and then every interval. With run-once set it returns after the first pass.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.RunAll(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "inference pass failed", "error", err)
		if r.runOnce {
			return err
		}
	}
	if r.runOnce {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RunAll(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "inference pass failed", "error", err)
			}
		}
	}
}

// RunAll runs inference for every customer found in storage. Customers are
// independent so a failure in one is logged and the pass moves on.
func (r *Runner) RunAll(ctx context.Context) error {
	started := r.now()
	customerIDs, err := r.storage.ListCustomerIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list customers: %w", err)
	}

	var failed int
	for _, customerID := range customerIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cctx := log.WithCustomer(ctx, customerID)
		if err := r.RunCustomer(cctx, customerID); err != nil {
			log.Ctx(cctx).ErrorContext(cctx, "customer inference failed", "error", err)
			failed++
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "inference pass finished",
		slog.Int("customers", len(customerIDs)),
		slog.Int("failed", failed),
		slog.Duration("took", r.now().Sub(started)),
	)
	if failed == len(customerIDs) && failed > 0 {
		return fmt.Errorf("all %d customers failed", failed)
	}
	return nil
}

// RunCustomer runs a single inference pass for one customer and persists the
// resulting sessions and fingerprints.
func (r *Runner) RunCustomer(ctx context.Context, customerID string) error {
	end := r.now()
	start := end.Add(-time.Duration(r.windowDays) * 24 * time.Hour)

	points, err := r.storage.GetTelemetry(ctx, customerID, start, end)
	if err != nil {
		return fmt.Errorf("failed to get telemetry: %w", err)
	}
	if len(points) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no telemetry in window, skipping")
		return nil
	}

	fingerprints, err := r.storage.GetFingerprints(ctx, customerID)
	if err != nil {
		return fmt.Errorf("failed to get fingerprints: %w", err)
	}

	var result disagg.Result
	if len(fingerprints) == 0 {
		// no history yet, fall back to clustering the window on its own
		result = r.engine.InferFromAggregate(ctx, customerID, points, r.priceEURPerKWH, r.maxAppliances)
	} else {
		labels, err := r.storage.GetSessionLabels(ctx, customerID)
		if err != nil {
			return fmt.Errorf("failed to get session labels: %w", err)
		}

		extraction := r.engine.ExtractSessions(points)
		result = r.engine.InferFromFingerprints(ctx, customerID, extraction.Sessions,
			r.priceEURPerKWH, fingerprints, r.maxAppliances, labels, extraction.BaselineKWH())
	}

	if len(result.Fingerprints) > 0 {
		if err := r.storage.UpsertFingerprints(ctx, customerID, result.Fingerprints); err != nil {
			return fmt.Errorf("failed to upsert fingerprints: %w", err)
		}
	}
	if len(result.Sessions) > 0 {
		if err := r.storage.UpsertSessions(ctx, customerID, result.Sessions); err != nil {
			return fmt.Errorf("failed to upsert sessions: %w", err)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "customer inference finished",
		slog.Int("telemetryPoints", len(points)),
		slog.Int("sessions", len(result.Sessions)),
		slog.Int("appliances", len(result.Appliances)),
		slog.Int("fingerprints", len(result.Fingerprints)),
	)
	return nil
}

// Appliances runs inference for one customer and returns the appliance
// summary without persisting anything.
func (r *Runner) Appliances(ctx context.Context, customerID string) ([]types.InferredAppliance, error) {
	end := r.now()
	start := end.Add(-time.Duration(r.windowDays) * 24 * time.Hour)

	points, err := r.storage.GetTelemetry(ctx, customerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get telemetry: %w", err)
	}
	if len(points) == 0 {
		return nil, storage.ErrCustomerNotFound
	}

	fingerprints, err := r.storage.GetFingerprints(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get fingerprints: %w", err)
	}

	if len(fingerprints) == 0 {
		result := r.engine.InferFromAggregate(ctx, customerID, points, r.priceEURPerKWH, r.maxAppliances)
		return result.Appliances, nil
	}

	labels, err := r.storage.GetSessionLabels(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session labels: %w", err)
	}
	extraction := r.engine.ExtractSessions(points)
	result := r.engine.InferFromFingerprints(ctx, customerID, extraction.Sessions,
		r.priceEURPerKWH, fingerprints, r.maxAppliances, labels, extraction.BaselineKWH())
	return result.Appliances, nil
}

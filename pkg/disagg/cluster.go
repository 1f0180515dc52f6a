package disagg

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/loadscope/loadscope/pkg/log"
	"github.com/loadscope/loadscope/pkg/types"
)

// The cold-start clusterer groups sessions in a 2-D log-scaled
// (power, duration) space with a fixed number of Lloyd iterations. Centroids
// seed from sorted quantiles of the feature space rather than random samples,
// so the fallback path is deterministic and reproducible across re-runs.

type clusterPoint struct {
	logMean float64
	logDur  float64
}

type cluster struct {
	// centroid in log space
	logMean float64
	logDur  float64
	// linear-unit view plus member stats for labeling
	meanWatts       float64
	durationMinutes float64
	meanStepWatts   float64
	meanPeakWatts   float64
	members         int
}

// clusterSessions runs the fallback k-means. Returns the per-session cluster
// assignment and the clusters in linear units.
func (e *Engine) clusterSessions(ctx context.Context, sessions []types.Session, maxAppliances int) ([]int, []cluster) {
	n := len(sessions)
	if n == 0 {
		return nil, nil
	}

	k := int(math.Round(math.Sqrt(float64(n) / 2.0)))
	if k < 2 {
		k = 2
	}
	if k > maxAppliances {
		k = maxAppliances
	}
	if k > n {
		k = n
	}

	points := make([]clusterPoint, n)
	for i, s := range sessions {
		points[i] = clusterPoint{
			logMean: math.Log1p(math.Max(0, s.MeanResidualWatts)),
			logDur:  math.Log1p(math.Max(0, s.DurationMinutes)),
		}
	}

	centroids := seedCentroids(points, k)

	assign := make([]int, n)
	for iter := 0; iter < e.params.KMeansIterations; iter++ {
		// assignment step: squared Euclidean in log space
		for i, p := range points {
			best := 0
			bestDist := math.Inf(1)
			for c, ct := range centroids {
				dm := p.logMean - ct.logMean
				dd := p.logDur - ct.logDur
				if d := dm*dm + dd*dd; d < bestDist {
					best, bestDist = c, d
				}
			}
			assign[i] = best
		}

		// update step: centroids move to the mean of assigned points; an
		// empty cluster keeps its position
		sums := make([]clusterPoint, k)
		counts := make([]int, k)
		for i, p := range points {
			sums[assign[i]].logMean += p.logMean
			sums[assign[i]].logDur += p.logDur
			counts[assign[i]]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			centroids[c] = clusterPoint{
				logMean: sums[c].logMean / float64(counts[c]),
				logDur:  sums[c].logDur / float64(counts[c]),
			}
		}
	}

	clusters := make([]cluster, k)
	for c, ct := range centroids {
		clusters[c] = cluster{
			logMean:         ct.logMean,
			logDur:          ct.logDur,
			meanWatts:       math.Expm1(ct.logMean),
			durationMinutes: math.Expm1(ct.logDur),
		}
	}
	for i, s := range sessions {
		c := &clusters[assign[i]]
		c.meanStepWatts += s.StartStepWatts
		c.meanPeakWatts += s.PeakResidualWatts
		c.members++
	}
	for c := range clusters {
		if clusters[c].members > 0 {
			clusters[c].meanStepWatts /= float64(clusters[c].members)
			clusters[c].meanPeakWatts /= float64(clusters[c].members)
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "fallback clustering done",
		slog.Int("sessions", n),
		slog.Int("k", k),
	)
	return assign, clusters
}

// seedCentroids picks k quantile points of the feature space, sorted by the
// projection onto logMean then logDur. Duplicates are fine: Lloyd iterations
// separate them when the data does.
func seedCentroids(points []clusterPoint, k int) []clusterPoint {
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := points[order[a]], points[order[b]]
		if pa.logMean != pb.logMean {
			return pa.logMean < pb.logMean
		}
		return pa.logDur < pb.logDur
	})

	n := len(points)
	centroids := make([]clusterPoint, k)
	for i := 0; i < k; i++ {
		// midpoint of the i-th of k equal slices
		idx := order[(2*i+1)*n/(2*k)]
		centroids[i] = points[idx]
	}
	return centroids
}

// InferFromAggregate is the cold-start path, used when the caller has no
// persisted fingerprints for the customer: segment the window, cluster the
// sessions, label each cluster from the heuristic table, and aggregate with
// the stand-by entry. No fingerprints are created or returned.
func (e *Engine) InferFromAggregate(
	ctx context.Context,
	customerID string,
	points []types.TelemetryPoint,
	priceEURPerKWH float64,
	maxAppliances int,
) Result {
	extraction := e.ExtractSessions(points)
	maxApp := e.maxAppliances(maxAppliances)

	if len(extraction.Sessions) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no sessions in window, stand-by only",
			slog.Float64("baselineWatts", extraction.BaselineWatts),
		)
		return Result{
			Appliances: e.aggregate(nil, priceEURPerKWH, extraction.BaselineKWH(), maxApp, nil),
		}
	}

	assign, clusters := e.clusterSessions(ctx, extraction.Sessions, maxApp)

	labels := make([]string, len(clusters))
	categories := make(map[int64]string, len(clusters))
	for c, cl := range clusters {
		label, category := heuristicLabel(cl.meanWatts, cl.durationMinutes, cl.meanStepWatts, cl.meanPeakWatts)
		labels[c] = label
		categories[ApplianceTypeID(customerID, label)] = category
	}

	inferred := make([]types.InferredSession, 0, len(extraction.Sessions))
	for i, s := range extraction.Sessions {
		label := labels[assign[i]]
		inferred = append(inferred, types.InferredSession{
			Session:       s,
			SessionID:     SessionID(customerID, s),
			ApplianceID:   ApplianceTypeID(customerID, label),
			Confidence:    e.params.FallbackConfidence,
			InferredLabel: label,
		})
	}

	appliances := e.aggregate(inferred, priceEURPerKWH, extraction.BaselineKWH(), maxApp, categories)
	return Result{Appliances: appliances, Sessions: inferred}
}

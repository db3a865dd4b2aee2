// Package compactor merges raw per-app traffic rows into coarser buckets to
// bound storage growth. Rows from yesterday onward are merged per hour, older
// rows per day and, when enabled, rows older than a configurable age per
// month. Byte sums per app and SIM are always preserved.
package compactor

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
	"github.com/smartsolutions/datwall/internal/timewindow"
)

// Result summarizes the compaction of one SIM.
type Result struct {
	SimID   string `json:"simId"`
	Before  int    `json:"before"`
	After   int    `json:"after"`
	Changed bool   `json:"changed"`
}

// Report is the payload published on the compaction topic.
type Report struct {
	At      time.Time `json:"at"`
	Results []Result  `json:"results"`
}

// Policy decides the bucket size of old rows.
type Policy struct {
	// MonthlyAfterDays merges rows older than this many days per month.
	// Zero disables month buckets.
	MonthlyAfterDays int
}

// Compactor is the TrafficCompactor.
type Compactor struct {
	store     storage.Store
	runtime   datwallctx.RuntimeContext
	sims      sim.Provider
	publisher northbound.Publisher
	policy    Policy
}

// NewCompactor creates a Compactor.
func NewCompactor(
	store storage.Store,
	runtime datwallctx.RuntimeContext,
	sims sim.Provider,
	publisher northbound.Publisher,
	policy Policy,
) *Compactor {
	if publisher == nil {
		publisher = northbound.NopPublisher{}
	}
	return &Compactor{
		store:     store,
		runtime:   runtime,
		sims:      sims,
		publisher: publisher,
		policy:    policy,
	}
}

type bucketKey struct {
	uid   int
	start time.Time
}

// CompactSim merges the traffic rows of simID as seen at now. The store is
// only touched when the merged set differs from the stored one.
func (compactor *Compactor) CompactSim(ctx context.Context, simID string, now time.Time) (Result, error) {
	result := Result{SimID: simID}

	unlock := compactor.runtime.LockSim(datwallctx.LockTraffic, simID)
	defer unlock()

	rows, err := compactor.store.ListTraffic(ctx, storage.TrafficQuery{SimID: simID})
	if err != nil {
		return result, errors.Wrapf(err, "list traffic of sim %s", simID)
	}
	result.Before = len(rows)
	if len(rows) == 0 {
		return result, nil
	}

	merged := compactor.merge(rows, now)
	result.After = len(merged)

	if sameRows(rows, merged) {
		return result, nil
	}

	removed := make([]uint64, 0, len(rows))
	for _, row := range rows {
		removed = append(removed, row.ID)
	}
	for i := range merged {
		merged[i].ID = 0
	}
	if err := compactor.store.ReplaceTraffic(ctx, simID, removed, merged); err != nil {
		return result, errors.Wrapf(err, "replace traffic of sim %s", simID)
	}
	result.Changed = true

	logger.CompactorLog.WithFields(logrus.Fields{
		"sim":    simID,
		"before": result.Before,
		"after":  result.After,
	}).Info("traffic compacted")
	return result, nil
}

// CompactAll compacts every installed SIM plus any SIM that still owns
// traffic rows, then publishes a Report. Per-SIM failures are logged and the
// first one is returned after the sweep.
func (compactor *Compactor) CompactAll(ctx context.Context, now time.Time) (Report, error) {
	report := Report{At: now}

	simIDs := make([]string, 0)
	seen := make(map[string]struct{})
	if compactor.sims != nil {
		for _, installed := range compactor.sims.InstalledSims() {
			seen[installed.ID] = struct{}{}
			simIDs = append(simIDs, installed.ID)
		}
	}
	stored, err := compactor.store.ListTrafficSims(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list traffic sims")
	}
	for _, simID := range stored {
		if _, ok := seen[simID]; !ok {
			simIDs = append(simIDs, simID)
		}
	}

	var firstErr error
	for _, simID := range simIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := compactor.CompactSim(ctx, simID, now)
		if err != nil {
			logger.CompactorLog.Errorf("compaction of sim %s failed: %v", simID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report.Results = append(report.Results, result)
	}

	compactor.publisher.Publish(northbound.TopicCompaction, report)
	return report, firstErr
}

// granularityOf picks the bucket size of a row starting at startTime.
func (compactor *Compactor) granularityOf(startTime time.Time, hourLimit time.Time, monthLimit time.Time) timewindow.Granularity {
	switch {
	case !startTime.Before(hourLimit):
		return timewindow.GranularityHour
	case !monthLimit.IsZero() && startTime.Before(monthLimit):
		return timewindow.GranularityMonth
	default:
		return timewindow.GranularityDay
	}
}

// merge groups rows by (UID, bucket start). Rows must be sorted by StartTime.
// Every accumulator is flushed; output is sorted by (StartTime, UID).
func (compactor *Compactor) merge(rows []model.Traffic, now time.Time) []model.Traffic {
	hourLimit := timewindow.BucketStart(timewindow.GranularityDay, now.AddDate(0, 0, -1))
	var monthLimit time.Time
	if compactor.policy.MonthlyAfterDays > 0 {
		monthLimit = timewindow.BucketStart(timewindow.GranularityDay, now.AddDate(0, 0, -compactor.policy.MonthlyAfterDays))
		if monthLimit.After(hourLimit) {
			monthLimit = hourLimit
		}
	}

	accumulators := make(map[bucketKey]*model.Traffic)
	order := make([]bucketKey, 0)

	for _, row := range rows {
		granularity := compactor.granularityOf(row.StartTime, hourLimit, monthLimit)
		key := bucketKey{uid: row.UID, start: timewindow.BucketStart(granularity, row.StartTime)}

		accumulator, exists := accumulators[key]
		if !exists {
			copied := row
			copied.RecalculateTotal()
			accumulators[key] = &copied
			order = append(order, key)
			continue
		}
		merged := accumulator.Add(row)
		*accumulator = merged
	}

	result := make([]model.Traffic, 0, len(order))
	for _, key := range order {
		result = append(result, *accumulators[key])
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].UID < result[j].UID
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// sameRows reports whether merging changed nothing: same count and every
// merged row is an input row carried over untouched.
func sameRows(before []model.Traffic, after []model.Traffic) bool {
	if len(before) != len(after) {
		return false
	}
	byID := make(map[uint64]model.Traffic, len(before))
	for _, row := range before {
		byID[row.ID] = row
	}
	for _, row := range after {
		original, ok := byID[row.ID]
		if !ok {
			return false
		}
		if original.RxBytes != row.RxBytes || original.TxBytes != row.TxBytes ||
			!original.StartTime.Equal(row.StartTime) || !original.EndTime.Equal(row.EndTime) {
			return false
		}
	}
	return true
}

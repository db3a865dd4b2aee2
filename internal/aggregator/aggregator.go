// Package aggregator implements the logic that ingests per-app traffic reports
// from the handset agent, stores them as raw traffic rows and debits the
// ledger. It also answers the usage queries of the northbound API by
// summing stored rows over a reporting period.
//
// Behavior:
//   - Samples with EndTime before StartTime, negative counters, or counters
//     that would overflow the report totals are skipped.
//   - Raw rows are written under the SIM's traffic lock, so they never race
//     a compaction of the same SIM.
//   - The bytes of one report are debited from the ledger in a single call,
//     after the rows are stored. A failed debit returns ErrNotDebited with
//     the stored rows counted: the report must not be sent again.
package aggregator

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/ledger"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
	"github.com/smartsolutions/datwall/internal/timewindow"
)

// ErrNotDebited reports that the samples were stored but the ledger debit
// failed.
var ErrNotDebited = errors.New("traffic stored but not debited")

// Debiter is the part of the ledger fed by traffic.
type Debiter interface {
	RegisterTraffic(ctx context.Context, simID string, rxBytes int64, txBytes int64) (ledger.Debit, error)
}

// IngestResult reports what a traffic report produced.
type IngestResult struct {
	Accepted int          `json:"accepted"`
	Skipped  int          `json:"skipped"`
	Debit    ledger.Debit `json:"debit"`
}

// AppUsage is the consumption of one application within a period.
type AppUsage struct {
	UID        int   `json:"uid"`
	RxBytes    int64 `json:"rxBytes"`
	TxBytes    int64 `json:"txBytes"`
	TotalBytes int64 `json:"totalBytes"`
	Percent    int   `json:"percent"`
}

// Usage is the consumption of a SIM within a period.
type Usage struct {
	SimID      string          `json:"simId"`
	Period     string          `json:"period"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	RxBytes    int64           `json:"rxBytes"`
	TxBytes    int64           `json:"txBytes"`
	TotalBytes int64           `json:"totalBytes"`
	Total      model.DataValue `json:"total"`
	Apps       []AppUsage      `json:"apps"`
	// NoActivePackage is set for the since-last-package period when the
	// data SIM has no usable package.
	NoActivePackage bool `json:"noActivePackage,omitempty"`
}

// Aggregator is the abstraction used by the southbound receiver and the
// northbound API to work with traffic.
type Aggregator interface {
	// IngestTraffic stores the samples of report and debits their bytes.
	IngestTraffic(ctx context.Context, report model.TrafficReport) (IngestResult, error)

	// UsageByPeriod sums the traffic of simID over the period kind at now.
	UsageByPeriod(ctx context.Context, simID string, kind timewindow.Kind, now time.Time) (Usage, error)
}

// aggregatorImpl is the concrete implementation of Aggregator.
type aggregatorImpl struct {
	store      storage.Store
	runtime    datwallctx.RuntimeContext
	sims       sim.Provider
	debiter    Debiter
	calculator *timewindow.Calculator
}

// NewAggregator creates a new Aggregator.
func NewAggregator(
	store storage.Store,
	runtime datwallctx.RuntimeContext,
	sims sim.Provider,
	debiter Debiter,
	calculator *timewindow.Calculator,
) Aggregator {
	return &aggregatorImpl{
		store:      store,
		runtime:    runtime,
		sims:       sims,
		debiter:    debiter,
		calculator: calculator,
	}
}

// IngestTraffic implements Aggregator.IngestTraffic.
func (aggregatorInstance *aggregatorImpl) IngestTraffic(
	ctx context.Context,
	report model.TrafficReport,
) (IngestResult, error) {
	result := IngestResult{}

	if report.SimID == "" {
		return result, errors.New("simId must not be empty")
	}
	if _, err := aggregatorInstance.sims.Sim(report.SimID); err != nil {
		return result, errors.Wrapf(err, "traffic report of sim %s", report.SimID)
	}
	if report.Network != "" {
		if err := aggregatorInstance.sims.SetActiveNetworkGeneration(report.SimID, report.Network); err != nil {
			return result, errors.Wrap(err, "update network generation")
		}
	}

	rows := make([]model.Traffic, 0, len(report.Samples))
	var rxBytes, txBytes int64

	for index, sample := range report.Samples {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if sample.EndTime.Before(sample.StartTime) || sample.RxBytes < 0 || sample.TxBytes < 0 {
			logger.AggregatorLog.Warnf(
				"skipping sample %d of sim=%s uid=%d (start=%s end=%s rx=%d tx=%d)",
				index, report.SimID, sample.UID,
				formatTimeForLog(sample.StartTime), formatTimeForLog(sample.EndTime),
				sample.RxBytes, sample.TxBytes,
			)
			result.Skipped++
			continue
		}

		if sample.RxBytes > math.MaxInt64-rxBytes || sample.TxBytes > math.MaxInt64-txBytes ||
			rxBytes+sample.RxBytes > math.MaxInt64-(txBytes+sample.TxBytes) {
			logger.AggregatorLog.Warnf(
				"skipping sample %d of sim=%s uid=%d: counters overflow (rx=%d tx=%d)",
				index, report.SimID, sample.UID, sample.RxBytes, sample.TxBytes,
			)
			result.Skipped++
			continue
		}

		rows = append(rows, model.Traffic{
			UID:       sample.UID,
			SimID:     report.SimID,
			StartTime: sample.StartTime,
			EndTime:   sample.EndTime,
			RxBytes:   sample.RxBytes,
			TxBytes:   sample.TxBytes,
		})
		rxBytes += sample.RxBytes
		txBytes += sample.TxBytes
	}

	if len(rows) == 0 {
		return result, nil
	}

	if err := aggregatorInstance.saveRows(ctx, report.SimID, rows); err != nil {
		return result, err
	}
	result.Accepted = len(rows)

	debit, err := aggregatorInstance.debiter.RegisterTraffic(ctx, report.SimID, rxBytes, txBytes)
	if err != nil {
		logger.AggregatorLog.Errorf("debit of sim=%s failed, %d sample(s) stored: %v", report.SimID, result.Accepted, err)
		return result, errors.Wrap(ErrNotDebited, err.Error())
	}
	result.Debit = debit

	logger.AggregatorLog.Debugf(
		"saved %d sample(s) for sim=%s (%s absorbed, %s dropped)",
		result.Accepted, report.SimID, model.FormatBytes(debit.Absorbed), model.FormatBytes(debit.Dropped),
	)
	return result, nil
}

func (aggregatorInstance *aggregatorImpl) saveRows(ctx context.Context, simID string, rows []model.Traffic) error {
	unlock := aggregatorInstance.runtime.LockSim(datwallctx.LockTraffic, simID)
	defer unlock()

	if _, err := aggregatorInstance.store.SaveTraffic(ctx, rows); err != nil {
		logger.AggregatorLog.Errorf("failed to save %d sample(s) for sim=%s: %v", len(rows), simID, err)
		return errors.Wrap(err, "save traffic")
	}
	return nil
}

// UsageByPeriod implements Aggregator.UsageByPeriod.
func (aggregatorInstance *aggregatorImpl) UsageByPeriod(
	ctx context.Context,
	simID string,
	kind timewindow.Kind,
	now time.Time,
) (Usage, error) {
	usage := Usage{SimID: simID, Period: kind.String(), Apps: []AppUsage{}}

	start, end, err := aggregatorInstance.calculator.Period(ctx, kind, now)
	if err != nil {
		return usage, errors.Wrapf(err, "period %s", kind)
	}
	if start.IsZero() && end.IsZero() {
		usage.NoActivePackage = true
		return usage, nil
	}
	usage.Start, usage.End = start, end

	// Until is exclusive on StartTime; the period end is inclusive.
	until := end.Add(time.Nanosecond)
	rows, err := aggregatorInstance.store.ListTraffic(ctx, storage.TrafficQuery{
		SimID: simID,
		Since: &start,
		Until: &until,
	})
	if err != nil {
		logger.AggregatorLog.Errorf(
			"failed to query traffic of sim=%s (since=%s until=%s): %v",
			simID, formatTimeForLog(start), formatTimeForLog(end), err,
		)
		return usage, errors.Wrap(err, "list traffic")
	}

	byUID := make(map[int]*AppUsage)
	for _, row := range rows {
		app, ok := byUID[row.UID]
		if !ok {
			app = &AppUsage{UID: row.UID}
			byUID[row.UID] = app
		}
		app.RxBytes += row.RxBytes
		app.TxBytes += row.TxBytes
		app.TotalBytes += row.RxBytes + row.TxBytes

		usage.RxBytes += row.RxBytes
		usage.TxBytes += row.TxBytes
	}
	usage.TotalBytes = usage.RxBytes + usage.TxBytes
	usage.Total = model.ToDataValue(usage.TotalBytes)

	for _, app := range byUID {
		app.Percent = timewindow.CalculatePercent(float64(usage.TotalBytes), float64(app.TotalBytes))
		usage.Apps = append(usage.Apps, *app)
	}
	sort.Slice(usage.Apps, func(i, j int) bool {
		if usage.Apps[i].TotalBytes == usage.Apps[j].TotalBytes {
			return usage.Apps[i].UID < usage.Apps[j].UID
		}
		return usage.Apps[i].TotalBytes > usage.Apps[j].TotalBytes
	})
	return usage, nil
}

// formatTimeForLog converts a time value into a compact string for logging.
// Zero time values are rendered as "-".
func formatTimeForLog(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Format(time.RFC3339Nano)
}

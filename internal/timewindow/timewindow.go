// Package timewindow computes the reporting periods (today, yesterday, week,
// month, year, since the last package) and the bucket boundaries used when
// traffic samples are compacted.
//
// Day windows start at 00:00:01 instead of midnight: an event stamped exactly
// at midnight is never counted on two adjacent days.
package timewindow

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/model"
)

// Kind selects a reporting period.
type Kind int

const (
	Today Kind = iota
	Yesterday
	Week
	Month
	Year
	SinceLastPackage
)

var kindNames = map[Kind]string{
	Today:            "today",
	Yesterday:        "yesterday",
	Week:             "week",
	Month:            "month",
	Year:             "year",
	SinceLastPackage: "package",
}

func (kind Kind) String() string {
	if name, ok := kindNames[kind]; ok {
		return name
	}
	return "unknown"
}

// ErrUnknownPeriod is returned for kinds outside the enumeration.
var ErrUnknownPeriod = errors.New("unknown period")

// ParseKind maps an API period name to a Kind.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for kind, kindName := range kindNames {
		if kindName == normalized {
			return kind, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownPeriod, "%q", name)
}

// LedgerReader gives access to the ledger rows of a SIM.
type LedgerReader interface {
	All(ctx context.Context, simID string) ([]model.UserDataBytes, error)
}

// DataSimResolver returns the SIM used for mobile data.
type DataSimResolver interface {
	DefaultSim(simType model.SimType) (model.Sim, error)
}

// Calculator resolves every Kind, including SinceLastPackage which needs
// the ledger of the default data SIM.
type Calculator struct {
	ledger LedgerReader
	sims   DataSimResolver
}

// NewCalculator creates a Calculator. Both collaborators may be nil, in which
// case SinceLastPackage always yields the "no active package" sentinel.
func NewCalculator(ledger LedgerReader, sims DataSimResolver) *Calculator {
	return &Calculator{ledger: ledger, sims: sims}
}

// Period returns the [start, end] window of kind at now. For
// SinceLastPackage a pair of zero times means there is no active package.
func (calculator *Calculator) Period(ctx context.Context, kind Kind, now time.Time) (time.Time, time.Time, error) {
	if kind != SinceLastPackage {
		return Period(kind, now)
	}
	if calculator == nil || calculator.ledger == nil || calculator.sims == nil {
		return time.Time{}, time.Time{}, nil
	}

	dataSim, simError := calculator.sims.DefaultSim(model.SimTypeData)
	if simError != nil {
		return time.Time{}, time.Time{}, errors.Wrap(simError, "resolve default data sim")
	}

	rows, ledgerError := calculator.ledger.All(ctx, dataSim.ID)
	if ledgerError != nil {
		return time.Time{}, time.Time{}, errors.Wrapf(ledgerError, "read ledger of sim %s", dataSim.ID)
	}

	var (
		usable   bool
		earliest time.Time
	)
	for _, row := range rows {
		if !row.Exists() || row.IsExpired(now) {
			continue
		}
		usable = true
		if row.StartTime.IsZero() {
			continue
		}
		if earliest.IsZero() || row.StartTime.Before(earliest) {
			earliest = row.StartTime
		}
	}
	switch {
	case !earliest.IsZero():
		return earliest, now, nil
	case usable:
		// Credited but never used: nothing was consumed yet.
		return now, now, nil
	default:
		return time.Time{}, time.Time{}, nil
	}
}

// Period computes the calendar kinds. SinceLastPackage needs a Calculator.
func Period(kind Kind, now time.Time) (time.Time, time.Time, error) {
	switch kind {
	case Today:
		return ZeroHour(now), now, nil
	case Yesterday:
		yesterday := now.AddDate(0, 0, -1)
		return ZeroHour(yesterday), LastHour(yesterday), nil
	case Week:
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		return ZeroHour(now.AddDate(0, 0, -daysSinceMonday)), now, nil
	case Month:
		firstDay := time.Date(now.Year(), now.Month(), 1, 12, 0, 0, 0, now.Location())
		return ZeroHour(firstDay), now, nil
	case Year:
		firstDay := time.Date(now.Year(), time.January, 1, 12, 0, 0, 0, now.Location())
		return ZeroHour(firstDay), now, nil
	case SinceLastPackage:
		return time.Time{}, time.Time{}, errors.New("since-last-package period needs a Calculator")
	default:
		return time.Time{}, time.Time{}, errors.Wrapf(ErrUnknownPeriod, "kind %d", int(kind))
	}
}

// ZeroHour returns 00:00:01.000 of day's date.
func ZeroHour(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 1, 0, day.Location())
}

// LastHour returns 23:59:59.999 of day's date.
func LastHour(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, int(999*time.Millisecond), day.Location())
}

// HourBounds returns the first and last millisecond of the hour holding t.
func HourBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	return start, start.Add(time.Hour - time.Millisecond)
}

// MonthBounds returns ZeroHour of the first day and LastHour of the last day
// of the month holding t.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	first := time.Date(t.Year(), t.Month(), 1, 12, 0, 0, 0, t.Location())
	last := first.AddDate(0, 1, -1)
	return ZeroHour(first), LastHour(last)
}

// IsSameMonth reports whether timestamp falls in the month of reference.
func IsSameMonth(timestamp time.Time, reference time.Time) bool {
	start, finish := MonthBounds(reference)
	return !timestamp.Before(start) && !timestamp.After(finish)
}

// CalculatePercent returns floor(100*part/total), or 0 when total is not positive.
func CalculatePercent(total float64, part float64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Floor(100 * part / total))
}

// IsInDiscountHour reports whether the interval lies inside the nightly
// discount window (01:00:01 to 06:00:01 of start's date), bounds exclusive.
func IsInDiscountHour(start time.Time, finish time.Time) bool {
	windowStart := time.Date(start.Year(), start.Month(), start.Day(), 1, 0, 1, 0, start.Location())
	windowEnd := time.Date(start.Year(), start.Month(), start.Day(), 6, 0, 1, 0, start.Location())
	return start.After(windowStart) && finish.Before(windowEnd)
}

// Unit names the granularity returned by DiffUnit.
type Unit string

const (
	UnitDays    Unit = "days"
	UnitHours   Unit = "hours"
	UnitMinutes Unit = "minutes"
)

// DiffUnit expresses second-first in the largest whole unit (days, hours,
// minutes). Non-positive gaps yield (0, hours).
func DiffUnit(first time.Time, second time.Time) (int, Unit) {
	rest := second.Sub(first)
	if rest <= 0 {
		return 0, UnitHours
	}
	if days := int(rest / (24 * time.Hour)); days > 0 {
		return days, UnitDays
	}
	if hours := int(rest / time.Hour); hours > 0 {
		return hours, UnitHours
	}
	if minutes := int(rest / time.Minute); minutes > 0 {
		return minutes, UnitMinutes
	}
	return 0, UnitHours
}

// Granularity is the size of a compaction bucket.
type Granularity int

const (
	GranularityHour Granularity = iota
	GranularityDay
	GranularityMonth
)

func (granularity Granularity) String() string {
	switch granularity {
	case GranularityHour:
		return "hour"
	case GranularityDay:
		return "day"
	case GranularityMonth:
		return "month"
	default:
		return "unknown"
	}
}

// BucketStart truncates t to the calendar start of its bucket. Buckets are
// keyed by their exact start so that samples stamped at midnight are not
// orphaned by the one-second day window offset.
func BucketStart(granularity Granularity, t time.Time) time.Time {
	switch granularity {
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		start, _ := HourBounds(t)
		return start
	}
}

// Package ledger keeps the per-SIM byte counters of every resource class
// (all networks, LTE only, bonus). Purchases credit quota; traffic debits it
// in priority order and starts the validity clock on first use.
//
// Every mutation of a SIM's rows runs under the "ledger" lock of that SIM,
// so concurrent traffic and purchase events never lose updates.
package ledger

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/smartsolutions/datwall/internal/catalog"
	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
	"github.com/smartsolutions/datwall/internal/timewindow"
)

var (
	// ErrEmptySim is returned when an operation is called without a SIM id.
	ErrEmptySim = errors.New("sim id must not be empty")
	// ErrTrafficOverflow is returned when rx+tx does not fit in an int64.
	ErrTrafficOverflow = errors.New("traffic counters overflow")
)

// Snapshot is the payload published on the ledger topic.
type Snapshot struct {
	SimID string                `json:"simId"`
	Rows  []model.UserDataBytes `json:"rows"`
}

// Debit reports how a traffic registration was absorbed.
type Debit struct {
	Absorbed   int64 `json:"absorbed"`
	Dropped    int64 `json:"dropped"`
	Discounted bool  `json:"discounted"`
}

// Options tune the ledger policy.
type Options struct {
	// PromoBonusBytes is the quota credited by a promotional recharge.
	PromoBonusBytes int64
	// DiscountHours skips debiting traffic inside the nightly discount window.
	DiscountHours bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Ledger is the UserDataBytes ledger.
type Ledger struct {
	store     storage.Store
	runtime   datwallctx.RuntimeContext
	sims      sim.Provider
	publisher northbound.Publisher
	options   Options
}

// NewLedger creates a Ledger.
func NewLedger(
	store storage.Store,
	runtime datwallctx.RuntimeContext,
	sims sim.Provider,
	publisher northbound.Publisher,
	options Options,
) *Ledger {
	if publisher == nil {
		publisher = northbound.NopPublisher{}
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.PromoBonusBytes <= 0 {
		options.PromoBonusBytes = 300 * model.MB
	}
	return &Ledger{
		store:     store,
		runtime:   runtime,
		sims:      sims,
		publisher: publisher,
		options:   options,
	}
}

// ByType returns the row of class dataType, or nil when it was never credited.
func (ledger *Ledger) ByType(ctx context.Context, simID string, dataType model.DataType) (*model.UserDataBytes, error) {
	rows, err := ledger.All(ctx, simID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Type == dataType {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// All returns every row of a SIM, in model.DataTypes order.
func (ledger *Ledger) All(ctx context.Context, simID string) ([]model.UserDataBytes, error) {
	if simID == "" {
		return nil, ErrEmptySim
	}
	rows, err := ledger.store.ListUserDataBytes(ctx, simID)
	if err != nil {
		return nil, errors.Wrapf(err, "read ledger of sim %s", simID)
	}
	return rows, nil
}

type credit struct {
	dataType model.DataType
	bytes    int64
}

// AddDataBytes credits the quotas of dataPackage to simID. The clock of a
// credited row does not start until its first debit.
func (ledger *Ledger) AddDataBytes(ctx context.Context, dataPackage model.DataPackage, simID string) error {
	return ledger.addCredits(ctx, simID, dataPackage, []credit{
		{dataType: model.DataTypeAllNetworks, bytes: dataPackage.BytesAllNetworks},
		{dataType: model.DataTypeLteOnly, bytes: dataPackage.BytesLteOnly},
		{dataType: model.DataTypeBonus, bytes: dataPackage.BonusBytes},
	})
}

// AddPromoBonus credits the bonus class with the promotional recharge quota.
func (ledger *Ledger) AddPromoBonus(ctx context.Context, simID string) error {
	promo := catalog.PromoBonus(ledger.options.PromoBonusBytes)
	return ledger.addCredits(ctx, simID, promo, []credit{
		{dataType: model.DataTypeBonus, bytes: promo.BonusBytes},
	})
}

func (ledger *Ledger) addCredits(
	ctx context.Context,
	simID string,
	dataPackage model.DataPackage,
	credits []credit,
) error {
	if simID == "" {
		return ErrEmptySim
	}

	unlock := ledger.runtime.LockSim(datwallctx.LockLedger, simID)
	defer unlock()

	rows, err := ledger.loadLocked(ctx, simID)
	if err != nil {
		return err
	}

	now := ledger.options.Now()
	validity := dataPackage.Validity()
	changed := make([]model.UserDataBytes, 0, len(credits))

	for _, item := range credits {
		if item.bytes <= 0 {
			continue
		}
		row := rows[item.dataType]
		switch {
		case !row.Exists() || row.IsExpired(now):
			row.Reset()
			row.Quota = item.bytes
			row.Validity = validity
		default:
			row.Quota += item.bytes
			if validity > row.Validity {
				row.Validity = validity
			}
		}
		rows[item.dataType] = row
		changed = append(changed, row)
	}

	if len(changed) == 0 {
		return nil
	}
	if err := ledger.store.SaveUserDataBytes(ctx, changed); err != nil {
		return errors.Wrapf(err, "credit %s to sim %s", dataPackage.Name, simID)
	}

	logger.LedgerLog.WithFields(logrus.Fields{
		"sim":     simID,
		"package": dataPackage.Name,
		"rows":    len(changed),
	}).Info("quota credited")
	ledger.publishLocked(simID, rows)
	return nil
}

// RegisterTraffic debits rx+tx bytes from the usable rows of simID. Under 4G
// the LTE-only quota is used first, then all-networks, then bonus; under 3G
// LTE-only is skipped. Bytes no row can absorb are dropped.
func (ledger *Ledger) RegisterTraffic(ctx context.Context, simID string, rxBytes int64, txBytes int64) (Debit, error) {
	if simID == "" {
		return Debit{}, ErrEmptySim
	}
	if rxBytes < 0 || txBytes < 0 {
		return Debit{}, errors.Errorf("negative traffic rx=%d tx=%d", rxBytes, txBytes)
	}
	if rxBytes > math.MaxInt64-txBytes {
		return Debit{}, errors.Wrapf(ErrTrafficOverflow, "rx=%d tx=%d", rxBytes, txBytes)
	}
	left := rxBytes + txBytes
	if left == 0 {
		return Debit{}, nil
	}

	now := ledger.options.Now()
	if ledger.options.DiscountHours && timewindow.IsInDiscountHour(now, now) {
		return Debit{Discounted: true}, nil
	}

	generation, err := ledger.sims.ActiveNetworkGeneration(simID)
	if err != nil {
		return Debit{}, errors.Wrapf(err, "network generation of sim %s", simID)
	}

	unlock := ledger.runtime.LockSim(datwallctx.LockLedger, simID)
	defer unlock()

	rows, err := ledger.loadLocked(ctx, simID)
	if err != nil {
		return Debit{}, err
	}

	debit := Debit{}
	changed := make(map[model.DataType]struct{})

	for _, dataType := range debitOrder(generation) {
		row, ok := rows[dataType]
		if !ok {
			continue
		}
		if row.IsExpired(now) {
			row.Reset()
			rows[dataType] = row
			changed[dataType] = struct{}{}
			logger.LedgerLog.WithFields(logrus.Fields{"sim": simID, "type": dataType}).Info("quota expired")
			continue
		}
		if left == 0 {
			continue
		}
		if row.Consumed > row.Quota {
			row.Consumed = row.Quota
		}
		if row.Consumed < 0 {
			row.Consumed = 0
		}
		remaining := row.Remaining()
		if remaining <= 0 {
			continue
		}

		absorbed := remaining
		if left < absorbed {
			absorbed = left
		}
		if absorbed <= 0 {
			continue
		}
		if row.StartTime.IsZero() {
			row.StartTime = now
		}
		row.Consumed += absorbed
		left -= absorbed
		debit.Absorbed += absorbed

		rows[dataType] = row
		changed[dataType] = struct{}{}
	}
	debit.Dropped = left

	if len(changed) > 0 {
		toSave := make([]model.UserDataBytes, 0, len(changed))
		for _, dataType := range model.DataTypes {
			if _, ok := changed[dataType]; ok {
				toSave = append(toSave, rows[dataType])
			}
		}
		if err := ledger.store.SaveUserDataBytes(ctx, toSave); err != nil {
			return Debit{}, errors.Wrapf(err, "debit traffic of sim %s", simID)
		}
		ledger.publishLocked(simID, rows)
	}

	if debit.Dropped > 0 {
		logger.LedgerLog.WithFields(logrus.Fields{
			"sim":     simID,
			"network": generation,
		}).Debugf("%s of traffic not covered by any quota", model.FormatBytes(debit.Dropped))
	}
	return debit, nil
}

// ExpireStale resets every expired row of simID and returns how many were reset.
func (ledger *Ledger) ExpireStale(ctx context.Context, simID string, now time.Time) (int, error) {
	if simID == "" {
		return 0, ErrEmptySim
	}

	unlock := ledger.runtime.LockSim(datwallctx.LockLedger, simID)
	defer unlock()

	rows, err := ledger.loadLocked(ctx, simID)
	if err != nil {
		return 0, err
	}

	expired := make([]model.UserDataBytes, 0)
	for _, dataType := range model.DataTypes {
		row, ok := rows[dataType]
		if !ok || !row.IsExpired(now) {
			continue
		}
		row.Reset()
		rows[dataType] = row
		expired = append(expired, row)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if err := ledger.store.SaveUserDataBytes(ctx, expired); err != nil {
		return 0, errors.Wrapf(err, "expire ledger of sim %s", simID)
	}
	logger.LedgerLog.WithField("sim", simID).Infof("%d expired quota row(s) reset", len(expired))
	ledger.publishLocked(simID, rows)
	return len(expired), nil
}

// ExpireAll runs ExpireStale on every installed SIM. Failures are logged and
// the sweep goes on; the first error is returned.
func (ledger *Ledger) ExpireAll(ctx context.Context, now time.Time) (int, error) {
	var (
		total    int
		firstErr error
	)
	for _, installed := range ledger.sims.InstalledSims() {
		count, err := ledger.ExpireStale(ctx, installed.ID, now)
		if err != nil {
			logger.LedgerLog.Errorf("expire sim %s: %v", installed.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += count
	}
	return total, firstErr
}

// loadLocked reads the rows of simID keyed by class and fills in the
// identity of missing ones. The ledger lock of simID must be held.
func (ledger *Ledger) loadLocked(ctx context.Context, simID string) (map[model.DataType]model.UserDataBytes, error) {
	stored, err := ledger.store.ListUserDataBytes(ctx, simID)
	if err != nil {
		return nil, errors.Wrapf(err, "read ledger of sim %s", simID)
	}
	rows := make(map[model.DataType]model.UserDataBytes, len(model.DataTypes))
	for _, row := range stored {
		rows[row.Type] = row
	}
	for _, dataType := range model.DataTypes {
		if _, ok := rows[dataType]; !ok {
			rows[dataType] = model.UserDataBytes{SimID: simID, Type: dataType}
		}
	}
	return rows, nil
}

func (ledger *Ledger) publishLocked(simID string, rows map[model.DataType]model.UserDataBytes) {
	snapshot := Snapshot{SimID: simID, Rows: make([]model.UserDataBytes, 0, len(rows))}
	for _, dataType := range model.DataTypes {
		if row, ok := rows[dataType]; ok && (row.Exists() || !row.StartTime.IsZero()) {
			snapshot.Rows = append(snapshot.Rows, row)
		}
	}
	ledger.publisher.Publish(northbound.TopicLedger, snapshot)
}

func debitOrder(generation model.NetworkGeneration) []model.DataType {
	if generation == model.Generation4G {
		return []model.DataType{model.DataTypeLteOnly, model.DataTypeAllNetworks, model.DataTypeBonus}
	}
	return []model.DataType{model.DataTypeAllNetworks, model.DataTypeBonus}
}

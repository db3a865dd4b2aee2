package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/pkg/factory"
)

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

// memoryStore keeps all state in memory. It is suitable for functional
// testing and small-scale demos; everything is lost on restart.
type memoryStore struct {
	mutexForEntries sync.RWMutex

	packages  []model.DataPackage
	simsIndex *model.SimsIndex

	purchases      []model.PurchasedPackage
	nextPurchaseID uint64

	ledger map[ledgerKey]model.UserDataBytes

	traffic       []model.Traffic
	nextTrafficID uint64

	maxTrafficRows int // 0 or negative means "no explicit limit"
}

type ledgerKey struct {
	simID    string
	dataType model.DataType
}

func newMemoryStore(storageConfig factory.StorageConfig) *memoryStore {
	return &memoryStore{
		ledger:         make(map[ledgerKey]model.UserDataBytes),
		maxTrafficRows: storageConfig.MaxTrafficRows,
	}
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

func (store *memoryStore) UpsertDataPackages(ctx context.Context, packages []model.DataPackage) error {
	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	for _, incoming := range packages {
		if err := ctx.Err(); err != nil {
			return err
		}
		position := store.packagePositionLocked(incoming.ID)
		if position < 0 {
			store.packages = append(store.packages, incoming)
			continue
		}
		existing := store.packages[position]
		incoming.ActiveInSim1 = existing.ActiveInSim1
		incoming.ActiveInSim2 = existing.ActiveInSim2
		store.packages[position] = incoming
	}
	return nil
}

func (store *memoryStore) GetDataPackage(ctx context.Context, id string) (model.DataPackage, error) {
	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	position := store.packagePositionLocked(id)
	if position < 0 {
		return model.DataPackage{}, ErrNotFound
	}
	return store.packages[position], nil
}

func (store *memoryStore) ListDataPackages(ctx context.Context) ([]model.DataPackage, error) {
	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	result := make([]model.DataPackage, len(store.packages))
	copy(result, store.packages)
	return result, nil
}

func (store *memoryStore) SaveEligibility(
	ctx context.Context,
	packages []model.DataPackage,
	index model.SimsIndex,
) error {
	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	// Validate first so that a failure leaves the previous state untouched.
	positions := make([]int, len(packages))
	for i, dataPackage := range packages {
		positions[i] = store.packagePositionLocked(dataPackage.ID)
		if positions[i] < 0 {
			return ErrNotFound
		}
	}

	for i, dataPackage := range packages {
		stored := &store.packages[positions[i]]
		stored.ActiveInSim1 = dataPackage.ActiveInSim1
		stored.ActiveInSim2 = dataPackage.ActiveInSim2
	}
	saved := index
	store.simsIndex = &saved
	return nil
}

func (store *memoryStore) GetSimsIndex(ctx context.Context) (model.SimsIndex, error) {
	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	if store.simsIndex == nil {
		return model.DefaultSimsIndex(), nil
	}
	return *store.simsIndex, nil
}

// packagePositionLocked assumes mutexForEntries is already held.
func (store *memoryStore) packagePositionLocked(id string) int {
	for i := range store.packages {
		if store.packages[i].ID == id {
			return i
		}
	}
	return -1
}

// -----------------------------------------------------------------------------
// Purchase history
// -----------------------------------------------------------------------------

func (store *memoryStore) CreatePurchasedPackage(ctx context.Context, purchase *model.PurchasedPackage) error {
	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	store.nextPurchaseID++
	purchase.ID = store.nextPurchaseID
	store.purchases = append(store.purchases, *purchase)
	return nil
}

func (store *memoryStore) ListPurchasedPackages(
	ctx context.Context,
	query PurchaseQuery,
) ([]model.PurchasedPackage, error) {
	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	results := make([]model.PurchasedPackage, 0)
	for _, purchase := range store.purchases {
		if query.matches(purchase) {
			results = append(results, purchase)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Date.Equal(results[j].Date) {
			return results[i].ID > results[j].ID
		}
		return results[i].Date.After(results[j].Date)
	})
	return results, nil
}

func (store *memoryStore) DeletePurchasedPackages(ctx context.Context, ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	wanted := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	filtered := make([]model.PurchasedPackage, 0, len(store.purchases))
	for _, purchase := range store.purchases {
		if _, drop := wanted[purchase.ID]; drop {
			continue
		}
		filtered = append(filtered, purchase)
	}
	deleted := len(store.purchases) - len(filtered)
	store.purchases = filtered

	if deleted > 0 {
		logger.StorageLog.Infof("deleted %d purchase record(s)", deleted)
	}
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func (store *memoryStore) ListUserDataBytes(ctx context.Context, simID string) ([]model.UserDataBytes, error) {
	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	results := make([]model.UserDataBytes, 0, len(model.DataTypes))
	for _, dataType := range model.DataTypes {
		if row, ok := store.ledger[ledgerKey{simID: simID, dataType: dataType}]; ok {
			results = append(results, row)
		}
	}
	return results, nil
}

func (store *memoryStore) SaveUserDataBytes(ctx context.Context, rows []model.UserDataBytes) error {
	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	for _, row := range rows {
		store.ledger[ledgerKey{simID: row.SimID, dataType: row.Type}] = row
	}
	return nil
}

// -----------------------------------------------------------------------------
// Traffic
// -----------------------------------------------------------------------------

func (store *memoryStore) SaveTraffic(ctx context.Context, rows []model.Traffic) ([]model.Traffic, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	saved := store.appendTrafficLocked(rows)
	store.enforceMaxTrafficLocked()
	return saved, nil
}

func (store *memoryStore) ListTraffic(ctx context.Context, query TrafficQuery) ([]model.Traffic, error) {
	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	results := make([]model.Traffic, 0)
	for _, traffic := range store.traffic {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if query.matches(traffic) {
			results = append(results, traffic)
		}
	}
	sortTraffic(results)

	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

func (store *memoryStore) ListTrafficSims(ctx context.Context) ([]string, error) {
	store.mutexForEntries.RLock()
	defer store.mutexForEntries.RUnlock()

	seen := make(map[string]struct{})
	results := make([]string, 0)
	for _, traffic := range store.traffic {
		if _, ok := seen[traffic.SimID]; ok {
			continue
		}
		seen[traffic.SimID] = struct{}{}
		results = append(results, traffic.SimID)
	}
	sort.Strings(results)
	return results, nil
}

func (store *memoryStore) ReplaceTraffic(
	ctx context.Context,
	simID string,
	removed []uint64,
	added []model.Traffic,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	drop := make(map[uint64]struct{}, len(removed))
	for _, id := range removed {
		drop[id] = struct{}{}
	}

	store.mutexForEntries.Lock()
	defer store.mutexForEntries.Unlock()

	filtered := make([]model.Traffic, 0, len(store.traffic))
	for _, traffic := range store.traffic {
		if _, ok := drop[traffic.ID]; ok && traffic.SimID == simID {
			continue
		}
		filtered = append(filtered, traffic)
	}
	store.traffic = filtered
	store.appendTrafficLocked(added)
	return nil
}

// appendTrafficLocked assigns IDs and appends; mutexForEntries must be held.
func (store *memoryStore) appendTrafficLocked(rows []model.Traffic) []model.Traffic {
	saved := make([]model.Traffic, 0, len(rows))
	for _, row := range rows {
		store.nextTrafficID++
		row.ID = store.nextTrafficID
		row.RecalculateTotal()
		store.traffic = append(store.traffic, row)
		saved = append(saved, row)
	}
	return saved
}

// enforceMaxTrafficLocked drops the oldest rows beyond maxTrafficRows.
func (store *memoryStore) enforceMaxTrafficLocked() {
	if store.maxTrafficRows <= 0 || len(store.traffic) <= store.maxTrafficRows {
		return
	}
	sortTraffic(store.traffic)
	overflow := len(store.traffic) - store.maxTrafficRows
	logger.StorageLog.Warnf(
		"memory storage reached maxTrafficRows=%d, dropping oldest %d rows",
		store.maxTrafficRows, overflow,
	)
	store.traffic = append([]model.Traffic(nil), store.traffic[overflow:]...)
}

func (store *memoryStore) Close() error {
	return nil
}

func sortTraffic(rows []model.Traffic) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].StartTime.Equal(rows[j].StartTime) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].StartTime.Before(rows[j].StartTime)
	})
}

// Package storage provides the abstraction and implementations for persisting
// the datwall state: the package catalog with its per-slot active flags, the
// USSD menu index table, the purchase history, the user data bytes ledger and
// the per-app traffic rows. The memory backend serves tests and demos; the
// gorm backend persists to SQLite or PostgreSQL.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/pkg/factory"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// Store is the high-level storage interface used by the ledger, compactor,
// eligibility resolver and purchase recognizer. All operations are safe to be
// called from concurrent goroutines.
type Store interface {
	// ---- Catalog ----

	// UpsertDataPackages inserts new catalog entries and refreshes the
	// immutable fields of existing ones. Active flags already stored are kept.
	UpsertDataPackages(ctx context.Context, packages []model.DataPackage) error

	// GetDataPackage returns the package with the given id, or ErrNotFound.
	GetDataPackage(ctx context.Context, id string) (model.DataPackage, error)

	// ListDataPackages returns every stored package.
	ListDataPackages(ctx context.Context) ([]model.DataPackage, error)

	// SaveEligibility persists the active flags of packages and the menu
	// index table in a single transaction.
	SaveEligibility(ctx context.Context, packages []model.DataPackage, index model.SimsIndex) error

	// GetSimsIndex returns the stored menu index table. A store that never
	// saved one returns model.DefaultSimsIndex.
	GetSimsIndex(ctx context.Context) (model.SimsIndex, error)

	// ---- Purchase history ----

	// CreatePurchasedPackage appends a history record and assigns its ID.
	CreatePurchasedPackage(ctx context.Context, purchase *model.PurchasedPackage) error

	// ListPurchasedPackages returns matching records ordered by Date descending.
	ListPurchasedPackages(ctx context.Context, query PurchaseQuery) ([]model.PurchasedPackage, error)

	// DeletePurchasedPackages removes the records with the given IDs and
	// returns how many existed.
	DeletePurchasedPackages(ctx context.Context, ids []uint64) (int, error)

	// ---- Ledger ----

	// ListUserDataBytes returns the ledger rows of a SIM.
	ListUserDataBytes(ctx context.Context, simID string) ([]model.UserDataBytes, error)

	// SaveUserDataBytes upserts ledger rows keyed by (SimID, Type) atomically.
	SaveUserDataBytes(ctx context.Context, rows []model.UserDataBytes) error

	// ---- Traffic ----

	// SaveTraffic stores new traffic rows and returns them with IDs assigned.
	SaveTraffic(ctx context.Context, rows []model.Traffic) ([]model.Traffic, error)

	// ListTraffic returns matching rows ordered by (StartTime, ID) ascending.
	ListTraffic(ctx context.Context, query TrafficQuery) ([]model.Traffic, error)

	// ListTrafficSims returns the SIM identifiers that own traffic rows.
	ListTrafficSims(ctx context.Context) ([]string, error)

	// ReplaceTraffic inserts added and then deletes removed in one
	// transaction, so readers never observe a state where bytes are missing.
	ReplaceTraffic(ctx context.Context, simID string, removed []uint64, added []model.Traffic) error

	// Close releases the backend resources.
	Close() error
}

// PurchaseQuery defines constraints on purchase history listings.
type PurchaseQuery struct {
	SimID         string
	DataPackageID string

	// Since is an optional inclusive lower bound on Date.
	Since *time.Time

	// Until is an optional inclusive upper bound on Date.
	Until *time.Time
}

// TrafficQuery defines constraints used when selecting traffic rows.
type TrafficQuery struct {
	SimID string

	// UID restricts the result to one application when non-nil.
	UID *int

	// Since is an optional inclusive lower bound on StartTime.
	Since *time.Time

	// Until is an optional exclusive upper bound on StartTime.
	Until *time.Time

	// Limit is an optional maximum number of results.
	// If Limit <= 0, no explicit limit is applied.
	Limit int
}

func (query TrafficQuery) matches(traffic model.Traffic) bool {
	if query.SimID != "" && traffic.SimID != query.SimID {
		return false
	}
	if query.UID != nil && traffic.UID != *query.UID {
		return false
	}
	if query.Since != nil && traffic.StartTime.Before(*query.Since) {
		return false
	}
	if query.Until != nil && !traffic.StartTime.Before(*query.Until) {
		return false
	}
	return true
}

func (query PurchaseQuery) matches(purchase model.PurchasedPackage) bool {
	if query.SimID != "" && purchase.SimID != query.SimID {
		return false
	}
	if query.DataPackageID != "" && purchase.DataPackageID != query.DataPackageID {
		return false
	}
	if query.Since != nil && purchase.Date.Before(*query.Since) {
		return false
	}
	if query.Until != nil && purchase.Date.After(*query.Until) {
		return false
	}
	return true
}

// NewStoreFromConfig creates a Store based on the storage configuration.
func NewStoreFromConfig(storageConfig factory.StorageConfig) (Store, error) {
	switch storageConfig.Driver {
	case "memory":
		logger.StorageLog.Infof("Using in-memory storage backend (maxTrafficRows=%d)", storageConfig.MaxTrafficRows)
		return newMemoryStore(storageConfig), nil
	case "sqlite", "postgres":
		logger.StorageLog.Infof("Using %s storage backend", storageConfig.Driver)
		return newGormStore(storageConfig)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", storageConfig.Driver)
	}
}

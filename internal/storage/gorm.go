package storage

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/pkg/factory"
)

// -----------------------------------------------------------------------------
// Persistence models
// -----------------------------------------------------------------------------

type dataPackageRecord struct {
	ID               string  `gorm:"primaryKey;size:64"`
	Position         int     `gorm:"not null;default:0"`
	Name             string  `gorm:"not null;size:128"`
	Description      string  `gorm:"size:512"`
	Price            float64 `gorm:"not null;default:0"`
	BytesAllNetworks int64   `gorm:"not null;default:0"`
	BytesLteOnly     int64   `gorm:"not null;default:0"`
	BonusBytes       int64   `gorm:"not null;default:0"`
	Network          string  `gorm:"not null;size:8"`
	MenuIndex        int     `gorm:"not null"`
	ValidityDays     int     `gorm:"not null;default:0"`
	RecognitionKey   string  `gorm:"not null;size:128"`
	ActiveInSim1     bool    `gorm:"column:active_in_sim1;not null;default:false"`
	ActiveInSim2     bool    `gorm:"column:active_in_sim2;not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (dataPackageRecord) TableName() string { return "data_package" }

type simsIndexRecord struct {
	ID              uint `gorm:"primaryKey"`
	DailyBagSim1    int  `gorm:"column:daily_bag_sim1;not null"`
	DailyBagSim2    int  `gorm:"column:daily_bag_sim2;not null"`
	PackagesSim1    int  `gorm:"column:packages_sim1;not null"`
	PackagesSim2    int  `gorm:"column:packages_sim2;not null"`
	PackagesLteSim1 int  `gorm:"column:packages_lte_sim1;not null"`
	PackagesLteSim2 int  `gorm:"column:packages_lte_sim2;not null"`
	UpdatedAt       time.Time
}

func (simsIndexRecord) TableName() string { return "sims_index" }

// The menu index table is a singleton row.
const simsIndexRowID = 1

type purchasedPackageRecord struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	Date          time.Time `gorm:"column:purchased_at;not null;index:idx_purchase_date"`
	Origin        string    `gorm:"not null;size:16"`
	DataPackageID string    `gorm:"not null;size:64;index:idx_purchase_package_sim,priority:1"`
	SimID         string    `gorm:"not null;size:64;index:idx_purchase_package_sim,priority:2"`
}

func (purchasedPackageRecord) TableName() string { return "purchased_package" }

type userDataBytesRecord struct {
	SimID      string     `gorm:"primaryKey;size:64"`
	Type       string     `gorm:"primaryKey;size:16"`
	Consumed   int64      `gorm:"not null;default:0"`
	Quota      int64      `gorm:"not null;default:0"`
	StartTime  *time.Time // nil until the first debit
	ValidityMs int64      `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

func (userDataBytesRecord) TableName() string { return "user_data_bytes" }

type trafficRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	UID        int       `gorm:"column:uid;not null;index:idx_traffic_sim_uid,priority:2"`
	SimID      string    `gorm:"not null;size:64;index:idx_traffic_sim_start,priority:1;index:idx_traffic_sim_uid,priority:1"`
	StartTime  time.Time `gorm:"not null;index:idx_traffic_sim_start,priority:2"`
	EndTime    time.Time `gorm:"not null"`
	RxBytes    int64     `gorm:"not null;default:0"`
	TxBytes    int64     `gorm:"not null;default:0"`
	TotalBytes int64     `gorm:"not null;default:0"`
}

func (trafficRecord) TableName() string { return "traffic" }

// BeforeSave keeps the cached total consistent with rx and tx.
func (record *trafficRecord) BeforeSave(tx *gorm.DB) error {
	record.TotalBytes = record.RxBytes + record.TxBytes
	return nil
}

// -----------------------------------------------------------------------------
// gorm implementation (sqlite / postgres)
// -----------------------------------------------------------------------------

type gormStore struct {
	db *gorm.DB
}

func newGormStore(storageConfig factory.StorageConfig) (*gormStore, error) {
	var dialector gorm.Dialector
	switch storageConfig.Driver {
	case "sqlite":
		dialector = sqlite.Open(storageConfig.DSN)
	case "postgres":
		dialector = postgres.Open(storageConfig.DSN)
	default:
		return nil, errors.Errorf("driver %q is not a gorm driver", storageConfig.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(logger.StorageLog, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  parseSQLLogLevel(storageConfig.SQLLogLevel),
			IgnoreRecordNotFoundError: true,
		}),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", storageConfig.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get database instance")
	}
	if storageConfig.Driver == "sqlite" {
		// A single writer avoids "database is locked" under concurrent access.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(
		&dataPackageRecord{},
		&simsIndexRecord{},
		&purchasedPackageRecord{},
		&userDataBytesRecord{},
		&trafficRecord{},
	); err != nil {
		return nil, errors.Wrap(err, "migrate database")
	}

	logger.StorageLog.Infof("%s database ready", storageConfig.Driver)
	return &gormStore{db: db}, nil
}

func parseSQLLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "info":
		return gormlogger.Info
	case "warn":
		return gormlogger.Warn
	case "error":
		return gormlogger.Error
	default:
		return gormlogger.Silent
	}
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

func (store *gormStore) UpsertDataPackages(ctx context.Context, packages []model.DataPackage) error {
	if len(packages) == 0 {
		return nil
	}
	records := make([]dataPackageRecord, 0, len(packages))
	for position, dataPackage := range packages {
		records = append(records, toDataPackageRecord(dataPackage, position))
	}

	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"position", "name", "description", "price",
			"bytes_all_networks", "bytes_lte_only", "bonus_bytes",
			"network", "menu_index", "validity_days", "recognition_key", "updated_at",
		}),
	}).Create(&records).Error
	return errors.Wrap(err, "upsert data packages")
}

func (store *gormStore) GetDataPackage(ctx context.Context, id string) (model.DataPackage, error) {
	var record dataPackageRecord
	err := store.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DataPackage{}, ErrNotFound
	}
	if err != nil {
		return model.DataPackage{}, errors.Wrapf(err, "get data package %s", id)
	}
	return record.toModel(), nil
}

func (store *gormStore) ListDataPackages(ctx context.Context) ([]model.DataPackage, error) {
	var records []dataPackageRecord
	if err := store.db.WithContext(ctx).Order("position asc").Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "list data packages")
	}
	result := make([]model.DataPackage, 0, len(records))
	for _, record := range records {
		result = append(result, record.toModel())
	}
	return result, nil
}

func (store *gormStore) SaveEligibility(
	ctx context.Context,
	packages []model.DataPackage,
	index model.SimsIndex,
) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, dataPackage := range packages {
			result := tx.Model(&dataPackageRecord{}).
				Where("id = ?", dataPackage.ID).
				Updates(map[string]interface{}{
					"active_in_sim1": dataPackage.ActiveInSim1,
					"active_in_sim2": dataPackage.ActiveInSim2,
				})
			if result.Error != nil {
				return errors.Wrapf(result.Error, "update active flags of %s", dataPackage.ID)
			}
			if result.RowsAffected == 0 {
				return ErrNotFound
			}
		}

		record := simsIndexRecord{
			ID:              simsIndexRowID,
			DailyBagSim1:    index.DailyBagSim1,
			DailyBagSim2:    index.DailyBagSim2,
			PackagesSim1:    index.PackagesSim1,
			PackagesSim2:    index.PackagesSim2,
			PackagesLteSim1: index.PackagesLteSim1,
			PackagesLteSim2: index.PackagesLteSim2,
		}
		return errors.Wrap(tx.Save(&record).Error, "save sims index")
	})
}

func (store *gormStore) GetSimsIndex(ctx context.Context) (model.SimsIndex, error) {
	var record simsIndexRecord
	err := store.db.WithContext(ctx).First(&record, simsIndexRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DefaultSimsIndex(), nil
	}
	if err != nil {
		return model.DefaultSimsIndex(), errors.Wrap(err, "get sims index")
	}
	return model.SimsIndex{
		DailyBagSim1:    record.DailyBagSim1,
		DailyBagSim2:    record.DailyBagSim2,
		PackagesSim1:    record.PackagesSim1,
		PackagesSim2:    record.PackagesSim2,
		PackagesLteSim1: record.PackagesLteSim1,
		PackagesLteSim2: record.PackagesLteSim2,
	}, nil
}

// -----------------------------------------------------------------------------
// Purchase history
// -----------------------------------------------------------------------------

func (store *gormStore) CreatePurchasedPackage(ctx context.Context, purchase *model.PurchasedPackage) error {
	record := purchasedPackageRecord{
		Date:          purchase.Date.UTC(),
		Origin:        string(purchase.Origin),
		DataPackageID: purchase.DataPackageID,
		SimID:         purchase.SimID,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return errors.Wrap(err, "create purchased package")
	}
	purchase.ID = record.ID
	return nil
}

func (store *gormStore) ListPurchasedPackages(
	ctx context.Context,
	query PurchaseQuery,
) ([]model.PurchasedPackage, error) {
	statement := store.db.WithContext(ctx).Model(&purchasedPackageRecord{})
	if query.SimID != "" {
		statement = statement.Where("sim_id = ?", query.SimID)
	}
	if query.DataPackageID != "" {
		statement = statement.Where("data_package_id = ?", query.DataPackageID)
	}
	if query.Since != nil {
		statement = statement.Where("purchased_at >= ?", query.Since.UTC())
	}
	if query.Until != nil {
		statement = statement.Where("purchased_at <= ?", query.Until.UTC())
	}

	var records []purchasedPackageRecord
	if err := statement.Order("purchased_at desc, id desc").Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "list purchased packages")
	}

	result := make([]model.PurchasedPackage, 0, len(records))
	for _, record := range records {
		result = append(result, model.PurchasedPackage{
			ID:            record.ID,
			Date:          record.Date.Local(),
			Origin:        model.Origin(record.Origin),
			DataPackageID: record.DataPackageID,
			SimID:         record.SimID,
		})
	}
	return result, nil
}

func (store *gormStore) DeletePurchasedPackages(ctx context.Context, ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := store.db.WithContext(ctx).Where("id IN ?", ids).Delete(&purchasedPackageRecord{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "delete purchased packages")
	}
	if result.RowsAffected > 0 {
		logger.StorageLog.Infof("deleted %d purchase record(s)", result.RowsAffected)
	}
	return int(result.RowsAffected), nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func (store *gormStore) ListUserDataBytes(ctx context.Context, simID string) ([]model.UserDataBytes, error) {
	var records []userDataBytesRecord
	if err := store.db.WithContext(ctx).Where("sim_id = ?", simID).Find(&records).Error; err != nil {
		return nil, errors.Wrapf(err, "list ledger of sim %s", simID)
	}

	byType := make(map[model.DataType]model.UserDataBytes, len(records))
	for _, record := range records {
		byType[model.DataType(record.Type)] = record.toModel()
	}
	result := make([]model.UserDataBytes, 0, len(records))
	for _, dataType := range model.DataTypes {
		if row, ok := byType[dataType]; ok {
			result = append(result, row)
		}
	}
	return result, nil
}

func (store *gormStore) SaveUserDataBytes(ctx context.Context, rows []model.UserDataBytes) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]userDataBytesRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, toUserDataBytesRecord(row))
	}

	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sim_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"consumed", "quota", "start_time", "validity_ms", "updated_at"}),
	}).Create(&records).Error
	return errors.Wrap(err, "save ledger rows")
}

// -----------------------------------------------------------------------------
// Traffic
// -----------------------------------------------------------------------------

func (store *gormStore) SaveTraffic(ctx context.Context, rows []model.Traffic) ([]model.Traffic, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	records := toTrafficRecords(rows)
	if err := store.db.WithContext(ctx).Create(&records).Error; err != nil {
		return nil, errors.Wrap(err, "save traffic")
	}
	return fromTrafficRecords(records), nil
}

func (store *gormStore) ListTraffic(ctx context.Context, query TrafficQuery) ([]model.Traffic, error) {
	statement := store.db.WithContext(ctx).Model(&trafficRecord{})
	if query.SimID != "" {
		statement = statement.Where("sim_id = ?", query.SimID)
	}
	if query.UID != nil {
		statement = statement.Where("uid = ?", *query.UID)
	}
	if query.Since != nil {
		statement = statement.Where("start_time >= ?", query.Since.UTC())
	}
	if query.Until != nil {
		statement = statement.Where("start_time < ?", query.Until.UTC())
	}
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}

	var records []trafficRecord
	if err := statement.Order("start_time asc, id asc").Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "list traffic")
	}
	return fromTrafficRecords(records), nil
}

func (store *gormStore) ListTrafficSims(ctx context.Context) ([]string, error) {
	var simIDs []string
	err := store.db.WithContext(ctx).Model(&trafficRecord{}).
		Distinct("sim_id").Order("sim_id asc").Pluck("sim_id", &simIDs).Error
	return simIDs, errors.Wrap(err, "list traffic sims")
}

func (store *gormStore) ReplaceTraffic(
	ctx context.Context,
	simID string,
	removed []uint64,
	added []model.Traffic,
) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(added) > 0 {
			records := toTrafficRecords(added)
			if err := tx.Create(&records).Error; err != nil {
				return errors.Wrap(err, "insert merged traffic")
			}
		}
		if len(removed) > 0 {
			err := tx.Where("sim_id = ? AND id IN ?", simID, removed).Delete(&trafficRecord{}).Error
			if err != nil {
				return errors.Wrap(err, "delete compacted traffic")
			}
		}
		return nil
	})
}

func (store *gormStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return errors.Wrap(err, "get database instance")
	}
	return sqlDB.Close()
}

// -----------------------------------------------------------------------------
// Conversions
// -----------------------------------------------------------------------------

func toDataPackageRecord(dataPackage model.DataPackage, position int) dataPackageRecord {
	return dataPackageRecord{
		ID:               dataPackage.ID,
		Position:         position,
		Name:             dataPackage.Name,
		Description:      dataPackage.Description,
		Price:            dataPackage.Price,
		BytesAllNetworks: dataPackage.BytesAllNetworks,
		BytesLteOnly:     dataPackage.BytesLteOnly,
		BonusBytes:       dataPackage.BonusBytes,
		Network:          string(dataPackage.Network),
		MenuIndex:        dataPackage.Index,
		ValidityDays:     dataPackage.ValidityDays,
		RecognitionKey:   dataPackage.RecognitionKey,
		ActiveInSim1:     dataPackage.ActiveInSim1,
		ActiveInSim2:     dataPackage.ActiveInSim2,
	}
}

func (record dataPackageRecord) toModel() model.DataPackage {
	return model.DataPackage{
		ID:               record.ID,
		Name:             record.Name,
		Description:      record.Description,
		Price:            record.Price,
		BytesAllNetworks: record.BytesAllNetworks,
		BytesLteOnly:     record.BytesLteOnly,
		BonusBytes:       record.BonusBytes,
		Network:          model.Network(record.Network),
		Index:            record.MenuIndex,
		ValidityDays:     record.ValidityDays,
		RecognitionKey:   record.RecognitionKey,
		ActiveInSim1:     record.ActiveInSim1,
		ActiveInSim2:     record.ActiveInSim2,
	}
}

func toUserDataBytesRecord(row model.UserDataBytes) userDataBytesRecord {
	record := userDataBytesRecord{
		SimID:      row.SimID,
		Type:       string(row.Type),
		Consumed:   row.Consumed,
		Quota:      row.Quota,
		ValidityMs: row.Validity.Milliseconds(),
	}
	if !row.StartTime.IsZero() {
		startTime := row.StartTime.UTC()
		record.StartTime = &startTime
	}
	return record
}

func (record userDataBytesRecord) toModel() model.UserDataBytes {
	row := model.UserDataBytes{
		SimID:    record.SimID,
		Type:     model.DataType(record.Type),
		Consumed: record.Consumed,
		Quota:    record.Quota,
		Validity: time.Duration(record.ValidityMs) * time.Millisecond,
	}
	if record.StartTime != nil {
		row.StartTime = record.StartTime.Local()
	}
	return row
}

func toTrafficRecords(rows []model.Traffic) []trafficRecord {
	records := make([]trafficRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, trafficRecord{
			UID:       row.UID,
			SimID:     row.SimID,
			StartTime: row.StartTime.UTC(),
			EndTime:   row.EndTime.UTC(),
			RxBytes:   row.RxBytes,
			TxBytes:   row.TxBytes,
		})
	}
	return records
}

func fromTrafficRecords(records []trafficRecord) []model.Traffic {
	rows := make([]model.Traffic, 0, len(records))
	for _, record := range records {
		rows = append(rows, model.Traffic{
			ID:         record.ID,
			UID:        record.UID,
			SimID:      record.SimID,
			StartTime:  record.StartTime.Local(),
			EndTime:    record.EndTime.Local(),
			RxBytes:    record.RxBytes,
			TxBytes:    record.TxBytes,
			TotalBytes: record.TotalBytes,
		})
	}
	return rows
}

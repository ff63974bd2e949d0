package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/trambar/internal/localstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillLocalDeletedFlag = "2026-09-01_backfill_local_deleted_flag"
	migrationStripUncommittedDetails  = "2026-09-20_strip_uncommitted_details"
)

// migrationRecord marks a local data migration as done.
type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type localMigration struct {
	name  string
	apply func(tx *gorm.DB) error
}

// localMigrations run in order; each one commits together with its record.
var localMigrations = []localMigration{
	{name: migrationBackfillLocalDeletedFlag, apply: backfillLocalDeletedFlag},
	{name: migrationStripUncommittedDetails, apply: stripUncommittedDetails},
}

// applyMigrations runs the data migrations not yet recorded and returns their names.
func applyMigrations(db *gorm.DB, logger *zap.Logger) ([]string, error) {
	var done []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &done).Error; err != nil {
		return nil, err
	}
	recorded := make(map[string]bool, len(done))
	for _, name := range done {
		recorded[name] = true
	}

	var applied []string
	for _, migration := range localMigrations {
		if recorded[migration.name] {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			if logger != nil {
				logger.Error("database migration failed", zap.String("migration", migration.name), zap.Error(err))
			}
			return applied, err
		}
		applied = append(applied, migration.name)
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return applied, nil
}

// Records written before the deleted column existed only carry the flag inside details.
func backfillLocalDeletedFlag(tx *gorm.DB) error {
	return tx.Model(&localstore.Record{}).
		Where("deleted = ? AND json_extract(details, '$.deleted') = 1", false).
		Update("deleted", true).Error
}

// The uncommitted marker belongs to in-memory results and must not be persisted.
func stripUncommittedDetails(tx *gorm.DB) error {
	return tx.Model(&localstore.Record{}).
		Where("json_type(details, '$.uncommitted') IS NOT NULL").
		Update("details", gorm.Expr("json_remove(details, '$.uncommitted')")).Error
}

package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/identitystore/internal/accounts"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRenameLegacyLoginProperty = "2026-10-01_rename_legacy_login_property"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) (int, error)
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRenameLegacyLoginProperty, apply: renameLegacyLoginProperty},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var touched int
		err = db.Transaction(func(tx *gorm.DB) error {
			count, err := migration.apply(tx)
			if err != nil {
				return err
			}
			touched = count
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied",
				zap.String("migration", migration.name),
				zap.Int("rows", touched))
		}
	}
	return nil
}

// renameLegacyLoginProperty moves account login blobs stored under the legacy
// property name to the current one. A current value, when present, wins.
func renameLegacyLoginProperty(db *gorm.DB) (int, error) {
	var records []tablestore.RowRecord
	marker := fmt.Sprintf("%q", accounts.LegacyPropertyLogins)
	if err := db.Where("instr(properties_json, ?) > 0", marker).Find(&records).Error; err != nil {
		return 0, err
	}

	touched := 0
	for _, record := range records {
		properties, err := tablestore.UnmarshalProperties(record.PropertiesJSON)
		if err != nil {
			return touched, err
		}
		legacy, ok := properties[accounts.LegacyPropertyLogins]
		if !ok {
			continue
		}
		delete(properties, accounts.LegacyPropertyLogins)
		if _, current := properties[accounts.PropertyLogins]; !current {
			properties[accounts.PropertyLogins] = legacy
		}
		encoded, err := tablestore.MarshalProperties(properties)
		if err != nil {
			return touched, err
		}
		err = db.Model(&tablestore.RowRecord{}).
			Where("table_name = ? AND partition_key = ? AND row_key = ?", record.Table, record.PartitionKey, record.RowKey).
			Update("properties_json", encoded).Error
		if err != nil {
			return touched, err
		}
		touched++
	}
	return touched, nil
}

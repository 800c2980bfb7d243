package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/appointments"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeAppointmentStatus = "2025-08-01_normalize_appointment_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeAppointmentStatus, apply: normalizeAppointmentStatus},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, logger); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeAppointmentStatus rewrites legacy status spellings imported from
// older clinic systems. Unknown values are left alone and reported.
func normalizeAppointmentStatus(db *gorm.DB, logger *zap.Logger) error {
	var statuses []string
	if err := db.Model(&appointments.Appointment{}).Distinct("status").Pluck("status", &statuses).Error; err != nil {
		return err
	}
	for _, raw := range statuses {
		normalized, err := appointments.NormalizeStatus(raw)
		if err != nil {
			if logger != nil {
				logger.Warn("unknown appointment status left unchanged", zap.String("status", raw))
			}
			continue
		}
		if string(normalized) == raw {
			continue
		}
		if err := db.Model(&appointments.Appointment{}).
			Where("status = ?", raw).
			Update("status", normalized).Error; err != nil {
			return err
		}
	}
	return nil
}

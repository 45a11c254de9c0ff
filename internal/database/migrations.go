package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSingleOpenConflictPerSession = "2026-10-19_single_open_conflict_per_session"
	openConflictIndexName                 = "idx_conflicts_open_session"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSingleOpenConflictPerSession, apply: enforceSingleOpenConflictPerSession},
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
		if err := migration.apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// enforceSingleOpenConflictPerSession closes all but the newest open conflict of
// each session as superseded, then adds a partial unique index so a session can
// hold at most one open conflict.
func enforceSingleOpenConflictPerSession(db *gorm.DB) error {
	return db.Transaction(func(transaction *gorm.DB) error {
		var open []dealroom.ConflictRecord
		if err := transaction.
			Where("resolved_at IS NULL").
			Order("project_id, session_id, created_at DESC").
			Find(&open).Error; err != nil {
			return err
		}

		supersededAt := time.Now().UTC()
		seen := make(map[string]struct{}, len(open))
		for _, record := range open {
			key := record.ProjectID + "/" + record.SessionID
			if _, kept := seen[key]; !kept {
				seen[key] = struct{}{}
				continue
			}
			if err := transaction.Model(&dealroom.ConflictRecord{}).
				Where("conflict_id = ?", record.ConflictID).
				UpdateColumns(map[string]any{
					"resolved_at": supersededAt,
					"resolution":  string(dealroom.ResolutionSuperseded),
				}).Error; err != nil {
				return err
			}
		}

		return transaction.Exec(
			"CREATE UNIQUE INDEX IF NOT EXISTS " + openConflictIndexName +
				" ON deal_room_conflicts (project_id, session_id) WHERE resolved_at IS NULL",
		).Error
	})
}

package orm

import (
	"gorm.io/gorm"
)

// Models lists every table owned by the orchestrator.
func Models() []interface{} {
	return []interface{}{&UserOperationAttempt{}}
}

// Migrate creates or updates the orchestrator tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// Reset drops and recreates the orchestrator tables.
func Reset(db *gorm.DB) error {
	if err := db.Migrator().DropTable(Models()...); err != nil {
		return err
	}
	return Migrate(db)
}

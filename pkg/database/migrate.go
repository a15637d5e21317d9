package database

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Migrate creates or alters the tables for models, in order. Models that
// reference each other must be listed parents first.
func Migrate(db *gorm.DB, models ...any) error {
	missing := MissingTables(db, models...)
	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", tableName(db, m), err)
		}
	}

	event := log.Debug()
	if len(missing) > 0 {
		event = log.Info().Strs("created", missing)
	}
	event.Int("models", len(models)).Msg("Schema migrated")
	return nil
}

// MissingTables lists the tables of models that do not exist yet
func MissingTables(db *gorm.DB, models ...any) []string {
	var missing []string
	for _, m := range models {
		if !HasTable(db, m) {
			missing = append(missing, tableName(db, m))
		}
	}
	return missing
}

// HasTable checks if a table exists
func HasTable(db *gorm.DB, model any) bool {
	return db.Migrator().HasTable(model)
}

func tableName(db *gorm.DB, model any) string {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return fmt.Sprintf("%T", model)
	}
	return stmt.Schema.Table
}

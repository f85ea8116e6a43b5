package models

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// AutoMigrate создает/обновляет таблицы оценки остатков
func AutoMigrate(db *gorm.DB) error {
	tables := []interface{}{
		&Product{},
		&Recipe{},
		&RecipeIngredient{},
		&RecipeVersion{},
		&Order{},
		&OrderItem{},
		&ProductionAssignment{},
		&StockMovement{},
	}
	for _, table := range tables {
		if err := db.AutoMigrate(table); err != nil {
			log.Error().Err(err).Msgf("❌ AutoMigrate для %T failed", table)
			return fmt.Errorf("ошибка миграции %T: %w", table, err)
		}
	}
	log.Info().Int("tables", len(tables)).Msg("✅ Database migrations completed")
	return nil
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"patisserie/server/internal/models"
	"patisserie/server/internal/utils"
)

// RecipeService управляет технологическими картами
type RecipeService struct {
	db                 *gorm.DB
	costService        *RecipeCostService
	redisUtil          *utils.RedisClient
	allowSelfReference bool
}

// NewRecipeService создает сервис рецептов
func NewRecipeService(db *gorm.DB, costService *RecipeCostService) *RecipeService {
	return &RecipeService{
		db:          db,
		costService: costService,
	}
}

// SetRedisUtil устанавливает Redis для публикации событий об изменении рецептов
func (s *RecipeService) SetRedisUtil(redisUtil *utils.RedisClient) {
	s.redisUtil = redisUtil
}

// SetAllowSelfReferencing разрешает рецепты, где готовый продукт входит в свои ингредиенты
func (s *RecipeService) SetAllowSelfReferencing(allow bool) {
	s.allowSelfReference = allow
}

// GetRecipes возвращает список рецептов
func (s *RecipeService) GetRecipes(ctx context.Context, includeInactive bool) ([]models.Recipe, error) {
	var recipes []models.Recipe
	query := s.db.WithContext(ctx).
		Preload("Ingredients", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("Ingredients.Ingredient")
	if !includeInactive {
		query = query.Where("is_active = ?", true)
	}
	if err := query.Order("name ASC").Find(&recipes).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения рецептов: %w", err)
	}
	return recipes, nil
}

// GetRecipe возвращает рецепт с ингредиентами
func (s *RecipeService) GetRecipe(ctx context.Context, recipeID string) (*models.Recipe, error) {
	return loadRecipeWithIngredients(s.db.WithContext(ctx), recipeID)
}

// GetRecipeVersions возвращает историю версий рецепта (новые первыми)
func (s *RecipeService) GetRecipeVersions(ctx context.Context, recipeID string) ([]models.RecipeVersion, error) {
	var versions []models.RecipeVersion
	if err := s.db.WithContext(ctx).
		Where("recipe_id = ?", recipeID).
		Order("version DESC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения версий рецепта: %w", err)
	}
	return versions, nil
}

// CreateRecipe создает рецепт с ингредиентами, фиксирует снимок себестоимости и первую версию
func (s *RecipeService) CreateRecipe(ctx context.Context, recipe *models.Recipe, changedBy string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recipe.Version = 1
		if err := s.validateRecipe(tx, "", recipe); err != nil {
			return err
		}

		ingredients := recipe.Ingredients
		recipe.Ingredients = nil
		if err := tx.Omit(clause.Associations).Create(recipe).Error; err != nil {
			if isUniqueConstraintError(err) {
				return newValidationError("product_id", "у продукта уже есть рецепт")
			}
			return fmt.Errorf("ошибка создания рецепта: %w", err)
		}

		if err := s.createIngredientsInTx(tx, recipe.ID, ingredients); err != nil {
			return err
		}
		return s.snapshotAndVersionInTx(tx, recipe.ID, changedBy, "создание рецепта")
	})
	if err != nil {
		return err
	}

	s.reload(ctx, recipe)
	log.Info().Str("recipe_id", recipe.ID).Msgf("✅ Создан рецепт: %s", recipe.Name)
	s.publishRecipeUpdate(recipe.ID)
	return nil
}

// UpdateRecipe обновляет рецепт. Ингредиенты заменяются целиком (удаление + создание).
func (s *RecipeService) UpdateRecipe(ctx context.Context, recipeID string, recipe *models.Recipe, changedBy, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Recipe
		if err := tx.First(&existing, "id = ?", recipeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("рецепт %s: %w", recipeID, ErrNotFound)
			}
			return fmt.Errorf("ошибка загрузки рецепта: %w", err)
		}

		if err := s.validateRecipe(tx, recipeID, recipe); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"name":                recipe.Name,
			"description":         recipe.Description,
			"product_id":          recipe.ProductID,
			"yield_quantity":      recipe.YieldQuantity,
			"yield_unit":          recipe.YieldUnit,
			"production_location": recipe.ProductionLocation,
			"version":             existing.Version + 1,
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			if isUniqueConstraintError(err) {
				return newValidationError("product_id", "у продукта уже есть рецепт")
			}
			return fmt.Errorf("ошибка обновления рецепта: %w", err)
		}

		// Удаляем старые ингредиенты
		if err := tx.Where("recipe_id = ?", recipeID).Delete(&models.RecipeIngredient{}).Error; err != nil {
			return fmt.Errorf("ошибка удаления старых ингредиентов: %w", err)
		}
		if err := s.createIngredientsInTx(tx, recipeID, recipe.Ingredients); err != nil {
			return err
		}
		return s.snapshotAndVersionInTx(tx, recipeID, changedBy, reason)
	})
	if err != nil {
		return err
	}

	recipe.ID = recipeID
	s.reload(ctx, recipe)
	log.Info().Str("recipe_id", recipeID).Msgf("✅ Обновлен рецепт: %s", recipe.Name)
	s.publishRecipeUpdate(recipeID)
	return nil
}

// DeleteRecipe удаляет рецепт (soft delete) и освобождает привязку к продукту
func (s *RecipeService) DeleteRecipe(ctx context.Context, recipeID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Recipe{}).Where("id = ?", recipeID).
			Updates(map[string]interface{}{"product_id": nil, "is_active": false})
		if result.Error != nil {
			return fmt.Errorf("ошибка отвязки рецепта: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("рецепт %s: %w", recipeID, ErrNotFound)
		}
		if err := tx.Delete(&models.Recipe{}, "id = ?", recipeID).Error; err != nil {
			return fmt.Errorf("ошибка удаления рецепта: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("recipe_id", recipeID).Msg("✅ Удален рецепт")
	s.publishRecipeUpdate(recipeID)
	return nil
}

// RefreshSnapshot пересчитывает зафиксированную себестоимость по текущим ценам ингредиентов
func (s *RecipeService) RefreshSnapshot(ctx context.Context, recipeID string) (*models.Recipe, error) {
	var recipe *models.Recipe
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := loadRecipeWithIngredients(tx, recipeID)
		if err != nil {
			return err
		}
		if _, err := s.costService.SnapshotInTx(tx, loaded, time.Now()); err != nil {
			return err
		}
		recipe = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("recipe_id", recipeID).Str("unit_cost", recipe.StandardUnitCost.String()).
		Msg("📋 Снимок себестоимости обновлен")
	return recipe, nil
}

// reload подтягивает сохраненное состояние (ингредиенты, снимок, версию)
func (s *RecipeService) reload(ctx context.Context, recipe *models.Recipe) {
	loaded, err := loadRecipeWithIngredients(s.db.WithContext(ctx), recipe.ID)
	if err != nil {
		log.Warn().Err(err).Str("recipe_id", recipe.ID).Msg("⚠️ Не удалось перечитать рецепт")
		return
	}
	*recipe = *loaded
}

// validateRecipe проверяет рецепт до любой записи
func (s *RecipeService) validateRecipe(tx *gorm.DB, recipeID string, recipe *models.Recipe) error {
	recipe.Name = strings.TrimSpace(recipe.Name)
	if recipe.Name == "" {
		return newValidationError("name", "название рецепта обязательно")
	}
	if recipe.YieldQuantity <= 0 {
		return newValidationError("yield_quantity", "выход рецепта должен быть > 0 (получено %v)", recipe.YieldQuantity)
	}
	if recipe.ProductionLocation == models.LocationUnknown {
		recipe.ProductionLocation = models.LocationLabReserve
	}
	if !recipe.ProductionLocation.Valid() {
		return newValidationError("production_location", "неизвестная зона склада")
	}
	if recipe.YieldUnit == "" {
		recipe.YieldUnit = "pcs"
	}

	if recipe.ProductID != nil {
		if _, err := loadProductInTx(tx, *recipe.ProductID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return newValidationError("product_id", "готовый продукт %s не найден", *recipe.ProductID)
			}
			return err
		}
	}

	for i := range recipe.Ingredients {
		ing := &recipe.Ingredients[i]
		if ing.QuantityNeeded <= 0 {
			return newValidationError(fmt.Sprintf("ingredients[%d].quantity_needed", i), "количество должно быть > 0")
		}
		product, err := loadProductInTx(tx, ing.IngredientProductID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return newValidationError(fmt.Sprintf("ingredients[%d]", i), "продукт %s не найден", ing.IngredientProductID)
			}
			return err
		}

		// Нормализуем единицу измерения в lowercase
		ing.Unit = NormalizeUnit(ing.Unit)
		if ing.Unit == "" {
			ing.Unit = NormalizeUnit(product.Unit)
		}
		if _, ok := UnitFactor(product.Unit, ing.Unit); !ok {
			log.Warn().Str("product", product.Name).
				Msgf("⚠️ Ингредиент #%d: единица '%s' несовместима с '%s', себестоимость будет приблизительной",
					i+1, ing.Unit, product.Unit)
		}
	}

	if !s.allowSelfReference && recipe.ProductID != nil {
		if err := s.checkCyclicDependency(tx, recipeID, *recipe.ProductID, recipe.Ingredients); err != nil {
			return err
		}
	}
	return nil
}

// checkCyclicDependency обходит граф продукт -> рецепт -> продукт-ингредиент
// и отклоняет рецепт, если готовый продукт достижим из собственных ингредиентов.
func (s *RecipeService) checkCyclicDependency(tx *gorm.DB, recipeID, finishedProductID string, ingredients []models.RecipeIngredient) error {
	visited := make(map[string]bool)
	var visit func(productID string) error
	visit = func(productID string) error {
		if productID == finishedProductID {
			return newValidationError("ingredients", "циклическая зависимость: продукт %s входит в собственный рецепт", finishedProductID)
		}
		if visited[productID] {
			return nil
		}
		visited[productID] = true

		var sub models.Recipe
		query := tx.Preload("Ingredients").Where("product_id = ?", productID)
		if recipeID != "" {
			query = query.Where("id <> ?", recipeID)
		}
		if err := query.First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil // Сырье без рецепта
			}
			return fmt.Errorf("ошибка проверки циклов: %w", err)
		}
		for _, ing := range sub.Ingredients {
			if err := visit(ing.IngredientProductID); err != nil {
				return err
			}
		}
		return nil
	}

	for _, ing := range ingredients {
		if err := visit(ing.IngredientProductID); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecipeService) createIngredientsInTx(tx *gorm.DB, recipeID string, ingredients []models.RecipeIngredient) error {
	for i := range ingredients {
		ingredients[i].ID = "" // Сбрасываем ID для создания нового
		ingredients[i].RecipeID = recipeID
		ingredients[i].Position = i
		ingredients[i].Ingredient = nil
		if err := tx.Omit(clause.Associations).Create(&ingredients[i]).Error; err != nil {
			return fmt.Errorf("ошибка создания ингредиента #%d: %w", i+1, err)
		}
	}
	return nil
}

type ingredientSnapshot struct {
	IngredientProductID string  `json:"ingredient_product_id"`
	QuantityNeeded      float64 `json:"quantity_needed"`
	Unit                string  `json:"unit"`
}

// snapshotAndVersionInTx фиксирует себестоимость и пишет строку истории версий
func (s *RecipeService) snapshotAndVersionInTx(tx *gorm.DB, recipeID, changedBy, reason string) error {
	recipe, err := loadRecipeWithIngredients(tx, recipeID)
	if err != nil {
		return err
	}
	unitCost, err := s.costService.SnapshotInTx(tx, recipe, time.Now())
	if err != nil {
		return err
	}

	snapshot := make([]ingredientSnapshot, 0, len(recipe.Ingredients))
	for _, ing := range recipe.Ingredients {
		snapshot = append(snapshot, ingredientSnapshot{
			IngredientProductID: ing.IngredientProductID,
			QuantityNeeded:      ing.QuantityNeeded,
			Unit:                ing.Unit,
		})
	}
	ingredientsJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("ошибка сериализации ингредиентов: %w", err)
	}

	version := models.RecipeVersion{
		RecipeID:        recipeID,
		Version:         recipe.Version,
		ChangedBy:       changedBy,
		ChangeReason:    reason,
		IngredientsJSON: string(ingredientsJSON),
		UnitCost:        unitCost,
	}
	if err := tx.Create(&version).Error; err != nil {
		return fmt.Errorf("ошибка создания версии рецепта: %w", err)
	}
	return nil
}

// publishRecipeUpdate публикует событие обновления рецепта в Redis
func (s *RecipeService) publishRecipeUpdate(recipeID string) {
	if s.redisUtil == nil {
		return
	}
	if err := s.redisUtil.Publish("recipe:update", recipeID); err != nil {
		log.Warn().Err(err).Msg("⚠️ Ошибка публикации события обновления рецепта")
	}
}

// isUniqueConstraintError проверяет нарушение уникального индекса
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "23505")
}

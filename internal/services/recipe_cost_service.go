package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"patisserie/server/internal/models"
)

// CostingPolicy определяет, откуда берется себестоимость единицы готового продукта
type CostingPolicy string

const (
	// CostingLive - пересчет по текущим cost_price ингредиентов при каждом вызове
	CostingLive CostingPolicy = "live"
	// CostingSnapshot - себестоимость, зафиксированная при сохранении рецепта
	CostingSnapshot CostingPolicy = "snapshot"
)

// ParseCostingPolicy разбирает значение из конфигурации
func ParseCostingPolicy(value string) (CostingPolicy, error) {
	switch CostingPolicy(value) {
	case CostingLive, "":
		return CostingLive, nil
	case CostingSnapshot:
		return CostingSnapshot, nil
	}
	return "", fmt.Errorf("неизвестная политика себестоимости: %q (live|snapshot)", value)
}

// IngredientCostLine - вклад одной строки рецепта в себестоимость
type IngredientCostLine struct {
	IngredientProductID string          `json:"ingredient_product_id"`
	Name                string          `json:"name"`
	QuantityNeeded      float64         `json:"quantity_needed"`
	Unit                string          `json:"unit"`
	UnitCost            decimal.Decimal `json:"unit_cost"` // цена за единицу строки
	LineCost            decimal.Decimal `json:"line_cost"`
	Converted           bool            `json:"converted"`
}

// RecipeCost - разложение себестоимости рецепта
type RecipeCost struct {
	RecipeID      string               `json:"recipe_id"`
	Policy        CostingPolicy        `json:"policy"`
	TotalCost     decimal.Decimal      `json:"total_cost"`
	YieldQuantity float64              `json:"yield_quantity"`
	CostPerUnit   decimal.Decimal      `json:"cost_per_unit"`
	Lines         []IngredientCostLine `json:"lines"`
	Issues        []SoftDataIssue      `json:"issues,omitempty"`
}

// RollupRecipeCost считает себестоимость по предзагруженным ингредиентам рецепта.
// Чистая функция: результат зависит только от переданного рецепта.
func RollupRecipeCost(recipe *models.Recipe) RecipeCost {
	result := RecipeCost{
		RecipeID:      recipe.ID,
		Policy:        CostingLive,
		TotalCost:     decimal.Zero,
		YieldQuantity: recipe.YieldQuantity,
		CostPerUnit:   decimal.Zero,
	}

	for _, ing := range recipe.Ingredients {
		line := IngredientCostLine{
			IngredientProductID: ing.IngredientProductID,
			QuantityNeeded:      ing.QuantityNeeded,
			Unit:                ing.Unit,
			UnitCost:            decimal.Zero,
			LineCost:            decimal.Zero,
		}
		if ing.Ingredient == nil {
			result.Issues = append(result.Issues, SoftDataIssue{
				ProductID: ing.IngredientProductID,
				Message:   "ингредиент не найден в каталоге, стоимость строки = 0",
			})
			result.Lines = append(result.Lines, line)
			continue
		}

		line.Name = ing.Ingredient.Name
		unitCost, ok := ConvertUnitCost(ing.Ingredient.CostPrice, ing.Ingredient.Unit, ing.Unit)
		if !ok {
			result.Issues = append(result.Issues, SoftDataIssue{
				ProductID: ing.IngredientProductID,
				Message: fmt.Sprintf("нет конвертации %s -> %s, используется базовая цена",
					ing.Ingredient.Unit, ing.Unit),
			})
		}
		line.Converted = ok
		line.UnitCost = unitCost
		line.LineCost = lineValue(ing.QuantityNeeded, unitCost)
		result.TotalCost = roundMoney(result.TotalCost.Add(line.LineCost))
		result.Lines = append(result.Lines, line)
	}

	if len(recipe.Ingredients) == 0 {
		return result
	}
	if recipe.YieldQuantity <= 0 {
		result.Issues = append(result.Issues, SoftDataIssue{
			ProductID: derefString(recipe.ProductID),
			Message:   "выход рецепта <= 0, себестоимость единицы = 0",
		})
		return result
	}
	result.CostPerUnit = result.TotalCost.DivRound(decimal.NewFromFloat(recipe.YieldQuantity), moneyPlaces)
	return result
}

// RecipeCostService - расчет себестоимости рецептов по выбранной политике
type RecipeCostService struct {
	db     *gorm.DB
	policy CostingPolicy
}

// NewRecipeCostService создает сервис себестоимости
func NewRecipeCostService(db *gorm.DB, policy CostingPolicy) *RecipeCostService {
	if policy == "" {
		policy = CostingLive
	}
	return &RecipeCostService{db: db, policy: policy}
}

// Policy возвращает активную политику
func (s *RecipeCostService) Policy() CostingPolicy {
	return s.policy
}

// Breakdown возвращает разложение себестоимости рецепта по текущему каталогу.
// CostPerUnit учитывает активную политику.
func (s *RecipeCostService) Breakdown(ctx context.Context, recipeID string) (*RecipeCost, error) {
	recipe, err := loadRecipeWithIngredients(s.db.WithContext(ctx), recipeID)
	if err != nil {
		return nil, err
	}
	cost := RollupRecipeCost(recipe)
	s.logIssues(recipe, cost.Issues)
	if s.policy == CostingSnapshot && recipe.StandardUnitCost != nil {
		cost.Policy = CostingSnapshot
		cost.CostPerUnit = *recipe.StandardUnitCost
	}
	return &cost, nil
}

// CostPerUnit возвращает стандартную себестоимость единицы готового продукта.
// Рецепт должен быть загружен с ингредиентами (loadRecipeWithIngredients).
func (s *RecipeCostService) CostPerUnit(recipe *models.Recipe) (decimal.Decimal, []SoftDataIssue) {
	if s.policy == CostingSnapshot && recipe.StandardUnitCost != nil {
		return *recipe.StandardUnitCost, nil
	}
	if s.policy == CostingSnapshot {
		log.Warn().Str("recipe_id", recipe.ID).Msg("⚠️ Снимок себестоимости отсутствует, используется live расчет")
	}
	cost := RollupRecipeCost(recipe)
	s.logIssues(recipe, cost.Issues)
	return cost.CostPerUnit, cost.Issues
}

// SnapshotInTx фиксирует текущую live себестоимость в рецепте
func (s *RecipeCostService) SnapshotInTx(tx *gorm.DB, recipe *models.Recipe, at time.Time) (decimal.Decimal, error) {
	cost := RollupRecipeCost(recipe)
	s.logIssues(recipe, cost.Issues)
	ts := at.UTC()
	if err := tx.Model(&models.Recipe{}).Where("id = ?", recipe.ID).Updates(map[string]interface{}{
		"standard_unit_cost": cost.CostPerUnit,
		"standard_cost_at":   ts,
	}).Error; err != nil {
		return decimal.Zero, fmt.Errorf("ошибка сохранения снимка себестоимости: %w", err)
	}
	recipe.StandardUnitCost = &cost.CostPerUnit
	recipe.StandardCostAt = &ts
	return cost.CostPerUnit, nil
}

func (s *RecipeCostService) logIssues(recipe *models.Recipe, issues []SoftDataIssue) {
	for _, issue := range issues {
		log.Warn().
			Str("recipe_id", recipe.ID).
			Str("recipe", recipe.Name).
			Str("product_id", issue.ProductID).
			Msgf("⚠️ Себестоимость: %s", issue.Message)
	}
}

// loadRecipeWithIngredients загружает рецепт с ингредиентами в порядке position
func loadRecipeWithIngredients(db *gorm.DB, recipeID string) (*models.Recipe, error) {
	var recipe models.Recipe
	err := db.
		Preload("Ingredients", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("Ingredients.Ingredient").
		First(&recipe, "id = ?", recipeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("рецепт %s: %w", recipeID, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка загрузки рецепта %s: %w", recipeID, err)
	}
	return &recipe, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

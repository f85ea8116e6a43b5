package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Recipe представляет технологическую карту готового продукта
type Recipe struct {
	ID          string  `json:"id" gorm:"type:uuid;primaryKey"`
	Name        string  `json:"name" gorm:"type:varchar(255);not null"`
	Description string  `json:"description" gorm:"type:text"`
	ProductID   *string `json:"product_id" gorm:"type:uuid;uniqueIndex"` // Готовый продукт (1:1, опционально)
	Product     *Product `json:"product,omitempty" gorm:"foreignKey:ProductID"`

	YieldQuantity      float64  `json:"yield_quantity" gorm:"type:double precision;not null"` // Выход одной закладки
	YieldUnit          string   `json:"yield_unit" gorm:"type:varchar(20);not null;default:'pcs'"`
	ProductionLocation Location `json:"production_location" gorm:"type:varchar(32);not null"` // Зона, из которой списываются ингредиенты

	Ingredients []RecipeIngredient `json:"ingredients" gorm:"foreignKey:RecipeID"`

	// Снимок себестоимости для политики snapshot
	StandardUnitCost *decimal.Decimal `json:"standard_unit_cost" gorm:"type:decimal(12,4)"`
	StandardCostAt   *time.Time       `json:"standard_cost_at"`

	Version  int  `json:"version" gorm:"not null;default:1"`
	IsActive bool `json:"is_active" gorm:"default:true"`

	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName указывает имя таблицы
func (Recipe) TableName() string {
	return "recipes"
}

// BeforeCreate генерирует UUID
func (r *Recipe) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if !r.ProductionLocation.Valid() {
		r.ProductionLocation = LocationLabReserve
	}
	return nil
}

// RecipeIngredient - строка рецепта: сколько ингредиента нужно на одну закладку
type RecipeIngredient struct {
	ID                  string   `json:"id" gorm:"type:uuid;primaryKey"`
	RecipeID            string   `json:"recipe_id" gorm:"type:uuid;not null;index"`
	IngredientProductID string   `json:"ingredient_product_id" gorm:"type:uuid;not null;index"`
	Ingredient          *Product `json:"ingredient,omitempty" gorm:"foreignKey:IngredientProductID"`
	QuantityNeeded      float64  `json:"quantity_needed" gorm:"type:double precision;not null"`
	Unit                string   `json:"unit" gorm:"type:varchar(20);not null;default:'g'"` // Единица строки (для отображения и конвертации)
	Position            int      `json:"position" gorm:"not null;default:0"`
}

// TableName указывает имя таблицы
func (RecipeIngredient) TableName() string {
	return "recipe_ingredients"
}

// BeforeCreate генерирует UUID
func (ri *RecipeIngredient) BeforeCreate(tx *gorm.DB) error {
	if ri.ID == "" {
		ri.ID = uuid.New().String()
	}
	return nil
}

// RecipeVersion - история изменений рецепта со снимком ингредиентов и себестоимости
type RecipeVersion struct {
	ID              string          `json:"id" gorm:"type:uuid;primaryKey"`
	RecipeID        string          `json:"recipe_id" gorm:"type:uuid;not null;index"`
	Version         int             `json:"version" gorm:"not null"`
	ChangedBy       string          `json:"changed_by" gorm:"type:varchar(255)"`
	ChangeReason    string          `json:"change_reason" gorm:"type:text"`
	IngredientsJSON string          `json:"ingredients_json" gorm:"type:text"` // JSON снимок ингредиентов на момент изменения
	UnitCost        decimal.Decimal `json:"unit_cost" gorm:"type:decimal(12,4);not null"`
	CreatedAt       time.Time       `json:"created_at" gorm:"autoCreateTime"`
}

// TableName указывает имя таблицы
func (RecipeVersion) TableName() string {
	return "recipe_versions"
}

// BeforeCreate генерирует UUID
func (rv *RecipeVersion) BeforeCreate(tx *gorm.DB) error {
	if rv.ID == "" {
		rv.ID = uuid.New().String()
	}
	return nil
}

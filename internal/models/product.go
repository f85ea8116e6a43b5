package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Виды продуктов каталога
const (
	ProductKindIngredient = "ingredient"
	ProductKindFinished   = "finished"
	ProductKindConsumable = "consumable"
)

// LocationStock - остаток одной зоны: количество, стоимость и дефицит.
// Quantity может быть отрицательным (продано больше, чем было на остатке),
// Value и Deficit никогда не уходят ниже нуля.
type LocationStock struct {
	Quantity float64         `json:"quantity" gorm:"type:double precision;not null;default:0"`
	Value    decimal.Decimal `json:"value" gorm:"type:decimal(12,4);not null"`
	Deficit  decimal.Decimal `json:"deficit" gorm:"type:decimal(12,4);not null"`
}

// Product - позиция каталога с оценкой остатков по четырем зонам
type Product struct {
	ID       string `json:"id" gorm:"type:uuid;primaryKey"`
	Name     string `json:"name" gorm:"type:varchar(255);not null"`
	Kind     string `json:"kind" gorm:"type:varchar(20);not null;index"` // ingredient | finished | consumable
	Unit     string `json:"unit" gorm:"type:varchar(20);not null"`      // g, kg, ml, l, pcs...
	IsActive bool   `json:"is_active" gorm:"default:true"`

	// Средневзвешенная себестоимость (PMP) за единицу Unit
	CostPrice decimal.Decimal `json:"cost_price" gorm:"type:decimal(12,4);not null"`

	Counter     LocationStock `json:"counter" gorm:"embedded;embeddedPrefix:counter_"`
	LabReserve  LocationStock `json:"lab_reserve" gorm:"embedded;embeddedPrefix:lab_reserve_"`
	LabLocal    LocationStock `json:"lab_local" gorm:"embedded;embeddedPrefix:lab_local_"`
	Consumables LocationStock `json:"consumables" gorm:"embedded;embeddedPrefix:consumables_"`

	// Производные суммы по зонам, пересчитываются после каждого движения
	TotalStockValue   decimal.Decimal `json:"total_stock_value" gorm:"type:decimal(12,4);not null"`
	ValueDeficitTotal decimal.Decimal `json:"value_deficit_total" gorm:"type:decimal(12,4);not null"`
	LastStockUpdate   *time.Time      `json:"last_stock_update"`

	// Счетчик версий для optimistic locking
	Version int64 `json:"version" gorm:"not null;default:1"`

	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName указывает имя таблицы
func (Product) TableName() string {
	return "products"
}

// BeforeCreate генерирует UUID
func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	return nil
}

// Stock возвращает указатель на остаток зоны или nil для неизвестной зоны
func (p *Product) Stock(loc Location) *LocationStock {
	switch loc {
	case LocationCounter:
		return &p.Counter
	case LocationLabReserve:
		return &p.LabReserve
	case LocationLabLocal:
		return &p.LabLocal
	case LocationConsumables:
		return &p.Consumables
	}
	return nil
}

// TotalQuantity - сумма количеств по всем зонам
func (p *Product) TotalQuantity() float64 {
	var total float64
	for _, loc := range Locations {
		total += p.Stock(loc).Quantity
	}
	return total
}

// RecomputeTotals пересчитывает total_stock_value и value_deficit_total
func (p *Product) RecomputeTotals() {
	value := decimal.Zero
	deficit := decimal.Zero
	for _, loc := range Locations {
		s := p.Stock(loc)
		value = value.Add(s.Value)
		deficit = deficit.Add(s.Deficit)
	}
	p.TotalStockValue = value
	p.ValueDeficitTotal = deficit
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Типы движений по складу
const (
	MovementPurchase          = "purchase"
	MovementProductionConsume = "production_consume"
	MovementProductionOutput  = "production_output"
	MovementSale              = "sale"
	MovementTransferOut       = "transfer_out"
	MovementTransferIn        = "transfer_in"
	MovementAdjustment        = "adjustment"
)

// StockMovement - запись журнала движений (append-only).
// Хранит дельты и итоговое состояние зоны после движения.
type StockMovement struct {
	ID                string          `json:"id" gorm:"type:uuid;primaryKey"`
	ProductID         string          `json:"product_id" gorm:"type:uuid;not null;index"`
	Location          Location        `json:"location" gorm:"type:varchar(32);not null"`
	QuantityDelta     float64         `json:"quantity_delta" gorm:"type:double precision;not null"` // Положительное - приход, отрицательное - расход
	UnitCost          decimal.Decimal `json:"unit_cost" gorm:"type:decimal(12,4);not null"`
	ValueDelta        decimal.Decimal `json:"value_delta" gorm:"type:decimal(12,4);not null"`
	DeficitDelta      decimal.Decimal `json:"deficit_delta" gorm:"type:decimal(12,4);not null"`
	QuantityAfter     float64         `json:"quantity_after" gorm:"type:double precision;not null"`
	ValueAfter        decimal.Decimal `json:"value_after" gorm:"type:decimal(12,4);not null"`
	DeficitAfter      decimal.Decimal `json:"deficit_after" gorm:"type:decimal(12,4);not null"`
	MovementType      string          `json:"movement_type" gorm:"type:varchar(30);not null;index"`
	SourceReferenceID *string         `json:"source_reference_id" gorm:"type:varchar(64);index"` // ID заказа, накладной и т.д.
	PerformedBy       string          `json:"performed_by" gorm:"type:varchar(255)"`
	Notes             string          `json:"notes" gorm:"type:text"`
	CreatedAt         time.Time       `json:"created_at" gorm:"autoCreateTime;index"`
}

// TableName указывает имя таблицы
func (StockMovement) TableName() string {
	return "stock_movements"
}

// BeforeCreate генерирует UUID
func (sm *StockMovement) BeforeCreate(tx *gorm.DB) error {
	if sm.ID == "" {
		sm.ID = uuid.New().String()
	}
	return nil
}

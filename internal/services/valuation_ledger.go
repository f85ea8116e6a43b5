package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"patisserie/server/internal/models"
)

// moneyPlaces - точность всех денежных расчетов
const moneyPlaces = 4

// roundMoney округляет до 4 знаков (half-up для неотрицательных сумм)
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// lineValue = quantity * unitCost с округлением
func lineValue(quantity float64, unitCost decimal.Decimal) decimal.Decimal {
	return roundMoney(decimal.NewFromFloat(quantity).Mul(unitCost))
}

// MovementResult - результат применения движения к одной зоне продукта
type MovementResult struct {
	ProductID     string               `json:"product_id"`
	Location      models.Location      `json:"location"`
	QuantityDelta float64              `json:"quantity_delta"`
	UnitCost      decimal.Decimal      `json:"unit_cost"`
	ValueDelta    decimal.Decimal      `json:"value_delta"`
	DeficitDelta  decimal.Decimal      `json:"deficit_delta"`
	Before        models.LocationStock `json:"before"`
	After         models.LocationStock `json:"after"`

	// Состояние продукта после движения (заполняется LedgerService)
	Product *models.Product `json:"-"`
}

// ApplyMovement применяет изменение количества к зоне продукта.
// Без I/O: меняет только переданный продукт. Возвращает false для неизвестной зоны,
// в этом случае продукт не изменяется.
//
// Расход: стоимость списывается только в пределах положительного остатка,
// недостающая часть уходит в дефицит. Приход сначала гасит дефицит,
// остаток увеличивает стоимость зоны.
func ApplyMovement(p *models.Product, loc models.Location, quantityDelta float64, unitCostOverride *decimal.Decimal, now time.Time) (MovementResult, bool) {
	stock := p.Stock(loc)
	if stock == nil {
		return MovementResult{}, false
	}

	unitCost := p.CostPrice
	if unitCostOverride != nil {
		unitCost = *unitCostOverride
	}
	unitCost = roundMoney(unitCost)
	if unitCost.IsNegative() {
		unitCost = decimal.Zero
	}

	before := *stock

	switch {
	case quantityDelta < 0:
		requested := -quantityDelta
		available := math.Max(0, stock.Quantity)
		fromStock := math.Min(requested, available)
		shortage := requested - fromStock

		removed := decimal.Min(lineValue(fromStock, unitCost), stock.Value)
		stock.Value = roundMoney(stock.Value.Sub(removed))
		if shortage > 0 {
			stock.Deficit = roundMoney(stock.Deficit.Add(lineValue(shortage, unitCost)))
		}
		stock.Quantity += quantityDelta

	case quantityDelta > 0:
		receiveValue(stock, quantityDelta, lineValue(quantityDelta, unitCost))
	}

	return finishMovement(p, loc, before, quantityDelta, unitCost, now), true
}

// ApplyIncomingValue приходует quantity в зону на точную сумму value, без пересчета
// через цену за единицу. Используется, когда сумма уже известна: строка накладной,
// стоимость, снятая с другой зоны при перемещении.
func ApplyIncomingValue(p *models.Product, loc models.Location, quantity float64, value decimal.Decimal, now time.Time) (MovementResult, bool) {
	stock := p.Stock(loc)
	if stock == nil || quantity <= 0 {
		return MovementResult{}, false
	}

	value = roundMoney(value)
	if value.IsNegative() {
		value = decimal.Zero
	}
	before := *stock
	receiveValue(stock, quantity, value)

	unitCost := value.DivRound(decimal.NewFromFloat(quantity), moneyPlaces)
	return finishMovement(p, loc, before, quantity, unitCost, now), true
}

// receiveValue: приход сначала гасит дефицит, остаток идет в стоимость зоны
func receiveValue(stock *models.LocationStock, quantity float64, incoming decimal.Decimal) {
	paid := decimal.Min(stock.Deficit, incoming)
	stock.Deficit = roundMoney(stock.Deficit.Sub(paid))
	incoming = roundMoney(incoming.Sub(paid))
	stock.Value = roundMoney(stock.Value.Add(incoming))
	stock.Quantity += quantity
}

func finishMovement(p *models.Product, loc models.Location, before models.LocationStock, quantityDelta float64, unitCost decimal.Decimal, now time.Time) MovementResult {
	p.RecomputeTotals()
	ts := now.UTC()
	p.LastStockUpdate = &ts

	after := *p.Stock(loc)
	return MovementResult{
		ProductID:     p.ID,
		Location:      loc,
		QuantityDelta: quantityDelta,
		UnitCost:      unitCost,
		ValueDelta:    after.Value.Sub(before.Value),
		DeficitDelta:  after.Deficit.Sub(before.Deficit),
		Before:        before,
		After:         after,
	}
}

// BlendedCostPrice = total_stock_value / Σ quantity. ok=false, если суммарное количество <= 0.
func BlendedCostPrice(p *models.Product) (decimal.Decimal, bool) {
	qty := p.TotalQuantity()
	if qty <= 0 {
		return p.CostPrice, false
	}
	return p.TotalStockValue.DivRound(decimal.NewFromFloat(qty), moneyPlaces), true
}

// MovementRequest - запрос на движение через LedgerService
type MovementRequest struct {
	ProductID         string
	Location          models.Location
	QuantityDelta     float64
	UnitCost          *decimal.Decimal // nil = текущий cost_price продукта
	Value             *decimal.Decimal // точная сумма прихода, только для QuantityDelta > 0
	MovementType      string
	SourceReferenceID *string
	PerformedBy       string
	Notes             string
}

// LedgerService - единственная точка записи остатков и стоимости
type LedgerService struct {
	db    *gorm.DB
	retry RetryPolicy
	now   func() time.Time
}

// NewLedgerService создает сервис журнала остатков
func NewLedgerService(db *gorm.DB, retry RetryPolicy) *LedgerService {
	return &LedgerService{
		db:    db,
		retry: retry,
		now:   time.Now,
	}
}

// ApplyMovement применяет движение в отдельной транзакции с retry при конфликте версий
func (s *LedgerService) ApplyMovement(ctx context.Context, req MovementRequest) (*MovementResult, error) {
	var result *MovementResult
	err := s.retry.Transaction(ctx, s.db, "ledger.ApplyMovement", func(tx *gorm.DB) error {
		res, err := s.ApplyInTx(tx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyInTx читает продукт внутри tx, применяет движение, пишет строку с CAS по version
// и добавляет запись в журнал движений.
func (s *LedgerService) ApplyInTx(tx *gorm.DB, req MovementRequest) (*MovementResult, error) {
	if !req.Location.Valid() {
		return nil, newValidationError("location", "неизвестная зона склада %s", req.Location)
	}
	if math.IsNaN(req.QuantityDelta) || math.IsInf(req.QuantityDelta, 0) {
		return nil, newValidationError("quantity_delta", "некорректное количество %v", req.QuantityDelta)
	}

	product, err := loadProductInTx(tx, req.ProductID)
	if err != nil {
		return nil, err
	}

	var res MovementResult
	var ok bool
	if req.Value != nil {
		if req.QuantityDelta <= 0 {
			return nil, newValidationError("value", "сумма задается только для прихода")
		}
		res, ok = ApplyIncomingValue(product, req.Location, req.QuantityDelta, *req.Value, s.now())
	} else {
		res, ok = ApplyMovement(product, req.Location, req.QuantityDelta, req.UnitCost, s.now())
	}
	if !ok {
		return nil, newValidationError("location", "неизвестная зона склада %s", req.Location)
	}

	if err := saveProductInTx(tx, product); err != nil {
		return nil, err
	}

	movement := models.StockMovement{
		ProductID:         product.ID,
		Location:          req.Location,
		QuantityDelta:     req.QuantityDelta,
		UnitCost:          res.UnitCost,
		ValueDelta:        res.ValueDelta,
		DeficitDelta:      res.DeficitDelta,
		QuantityAfter:     res.After.Quantity,
		ValueAfter:        res.After.Value,
		DeficitAfter:      res.After.Deficit,
		MovementType:      req.MovementType,
		SourceReferenceID: req.SourceReferenceID,
		PerformedBy:       req.PerformedBy,
		Notes:             req.Notes,
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, fmt.Errorf("ошибка записи движения: %w", err)
	}

	res.Product = product
	log.Debug().
		Str("product_id", product.ID).
		Str("location", req.Location.String()).
		Float64("delta", req.QuantityDelta).
		Str("value", res.After.Value.String()).
		Str("deficit", res.After.Deficit.String()).
		Msg("📦 Движение применено")
	return &res, nil
}

func loadProductInTx(tx *gorm.DB, productID string) (*models.Product, error) {
	var product models.Product
	if err := tx.First(&product, "id = ?", productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("продукт %s: %w", productID, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка загрузки продукта %s: %w", productID, err)
	}
	return &product, nil
}

// saveProductInTx пишет остатки, суммы и cost_price продукта.
// Строка обновляется только если version не изменилась с момента чтения.
func saveProductInTx(tx *gorm.DB, p *models.Product) error {
	updates := map[string]interface{}{
		"cost_price":          p.CostPrice,
		"total_stock_value":   p.TotalStockValue,
		"value_deficit_total": p.ValueDeficitTotal,
		"last_stock_update":   p.LastStockUpdate,
		"version":             p.Version + 1,
	}
	prefixes := map[models.Location]string{
		models.LocationCounter:     "counter_",
		models.LocationLabReserve:  "lab_reserve_",
		models.LocationLabLocal:    "lab_local_",
		models.LocationConsumables: "consumables_",
	}
	for _, loc := range models.Locations {
		stock := p.Stock(loc)
		prefix := prefixes[loc]
		updates[prefix+"quantity"] = stock.Quantity
		updates[prefix+"value"] = stock.Value
		updates[prefix+"deficit"] = stock.Deficit
	}

	result := tx.Model(&models.Product{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("ошибка обновления продукта %s: %w", p.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("продукт %s (version %d): %w", p.ID, p.Version, ErrVersionConflict)
	}
	p.Version++
	return nil
}

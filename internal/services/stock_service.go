package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"patisserie/server/internal/models"
	"patisserie/server/internal/utils"
)

const stockValueCacheKey = "stock:valuation"

// StockService - приход, перемещения, корректировки и агрегаты по остаткам.
// Все изменения остатков проходят через LedgerService.
type StockService struct {
	db        *gorm.DB
	ledger    *LedgerService
	retry     RetryPolicy
	notifier  StockNotifier
	redisUtil *utils.RedisClient
	cacheTTL  time.Duration
}

// NewStockService создает сервис остатков
func NewStockService(db *gorm.DB, ledger *LedgerService, retry RetryPolicy) *StockService {
	return &StockService{
		db:       db,
		ledger:   ledger,
		retry:    retry,
		cacheTTL: 30 * time.Second,
	}
}

// SetNotifier устанавливает получателя событий об изменении остатков
func (s *StockService) SetNotifier(notifier StockNotifier) {
	s.notifier = notifier
}

// SetRedisUtil включает кэш агрегата стоимости остатков
func (s *StockService) SetRedisUtil(redisUtil *utils.RedisClient, ttl time.Duration) {
	s.redisUtil = redisUtil
	if ttl > 0 {
		s.cacheTTL = ttl
	}
}

// PurchaseReceipt - приход от поставщика
type PurchaseReceipt struct {
	ProductID   string           `json:"product_id"`
	Location    models.Location  `json:"location"`
	Quantity    float64          `json:"quantity"`
	UnitCost    decimal.Decimal  `json:"unit_cost"`            // Согласованная цена закупки за единицу продукта
	LineTotal   *decimal.Decimal `json:"line_total,omitempty"` // Сумма строки накладной: если задана, приходуется она
	Reference   string           `json:"reference"`            // Номер накладной
	PerformedBy string           `json:"performed_by"`
	Notes       string           `json:"notes"`
}

// StockTransfer - перемещение между зонами одного продукта
type StockTransfer struct {
	ProductID   string          `json:"product_id"`
	From        models.Location `json:"from"`
	To          models.Location `json:"to"`
	Quantity    float64         `json:"quantity"`
	PerformedBy string          `json:"performed_by"`
	Notes       string          `json:"notes"`
}

// StockAdjustment - ручная корректировка (инвентаризация, списание)
type StockAdjustment struct {
	ProductID     string           `json:"product_id"`
	Location      models.Location  `json:"location"`
	QuantityDelta float64          `json:"quantity_delta"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
	Reason        string           `json:"reason"`
	PerformedBy   string           `json:"performed_by"`
}

// ValuationSummary - стоимость остатков по зонам и видам продуктов
type ValuationSummary struct {
	Total        decimal.Decimal            `json:"total"`
	DeficitTotal decimal.Decimal            `json:"deficit_total"`
	ByLocation   map[string]decimal.Decimal `json:"by_location"`
	ByKind       map[string]decimal.Decimal `json:"by_kind"`
	Products     int                        `json:"products"`
}

// CreateProduct добавляет продукт в каталог с нулевыми остатками
func (s *StockService) CreateProduct(ctx context.Context, product *models.Product) error {
	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" {
		return newValidationError("name", "название продукта обязательно")
	}
	switch product.Kind {
	case models.ProductKindIngredient, models.ProductKindFinished, models.ProductKindConsumable:
	default:
		return newValidationError("kind", "неизвестный вид продукта %q", product.Kind)
	}
	product.Unit = NormalizeUnit(product.Unit)
	if product.Unit == "" {
		return newValidationError("unit", "единица измерения обязательна")
	}
	if product.CostPrice.IsNegative() {
		return newValidationError("cost_price", "себестоимость не может быть отрицательной")
	}

	// Остатки появляются только через движения
	product.CostPrice = roundMoney(product.CostPrice)
	product.Counter = models.LocationStock{}
	product.LabReserve = models.LocationStock{}
	product.LabLocal = models.LocationStock{}
	product.Consumables = models.LocationStock{}
	product.RecomputeTotals()
	product.Version = 1
	product.IsActive = true

	if err := s.db.WithContext(ctx).Create(product).Error; err != nil {
		return fmt.Errorf("ошибка создания продукта: %w", err)
	}
	log.Info().Str("product_id", product.ID).Str("kind", product.Kind).Msgf("✅ Создан продукт: %s", product.Name)
	return nil
}

// GetProduct возвращает продукт
func (s *StockService) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	return loadProductInTx(s.db.WithContext(ctx), productID)
}

// ListProducts возвращает продукты каталога, опционально по виду
func (s *StockService) ListProducts(ctx context.Context, kind string) ([]models.Product, error) {
	var products []models.Product
	query := s.db.WithContext(ctx).Order("name ASC")
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if err := query.Find(&products).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения продуктов: %w", err)
	}
	return products, nil
}

// ReceivePurchase оприходует закупку по согласованной цене и пересчитывает PMP
func (s *StockService) ReceivePurchase(ctx context.Context, receipt PurchaseReceipt) (*models.Product, error) {
	if err := validatePurchaseReceipt(receipt); err != nil {
		return nil, err
	}

	var product *models.Product
	events := &eventCollector{}
	err := s.retry.Transaction(ctx, s.db, "stock.ReceivePurchase", func(tx *gorm.DB) error {
		events.reset()
		p, err := s.receivePurchaseInTx(tx, receipt, events)
		if err != nil {
			return err
		}
		product = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("product_id", product.ID).
		Float64("quantity", receipt.Quantity).
		Str("unit_cost", receipt.UnitCost.String()).
		Str("cost_price", product.CostPrice.String()).
		Msgf("📥 Приход: %s", product.Name)
	s.afterCommit(ctx, events)
	return product, nil
}

func validatePurchaseReceipt(receipt PurchaseReceipt) error {
	if receipt.Quantity <= 0 {
		return newValidationError("quantity", "количество прихода должно быть > 0")
	}
	if receipt.UnitCost.IsNegative() {
		return newValidationError("unit_cost", "цена закупки не может быть отрицательной")
	}
	if receipt.LineTotal != nil && receipt.LineTotal.IsNegative() {
		return newValidationError("line_total", "сумма строки не может быть отрицательной")
	}
	if !receipt.Location.Valid() {
		return newValidationError("location", "неизвестная зона склада")
	}
	return nil
}

// receivePurchaseInTx: движение прихода + новый cost_price = total_stock_value / Σqty
func (s *StockService) receivePurchaseInTx(tx *gorm.DB, receipt PurchaseReceipt, events *eventCollector) (*models.Product, error) {
	unitCost := roundMoney(receipt.UnitCost)
	req := MovementRequest{
		ProductID:         receipt.ProductID,
		Location:          receipt.Location,
		QuantityDelta:     receipt.Quantity,
		UnitCost:          &unitCost,
		MovementType:      models.MovementPurchase,
		SourceReferenceID: optionalString(receipt.Reference),
		PerformedBy:       receipt.PerformedBy,
		Notes:             receipt.Notes,
	}
	if receipt.LineTotal != nil {
		req.UnitCost = nil
		req.Value = receipt.LineTotal
	}
	res, err := s.ledger.ApplyInTx(tx, req)
	if err != nil {
		return nil, err
	}

	p := res.Product
	if blended, ok := BlendedCostPrice(p); ok {
		p.CostPrice = blended
	} else {
		// Остаток все еще отрицательный: последняя известная цена закупки
		p.CostPrice = res.UnitCost
	}
	if err := saveProductInTx(tx, p); err != nil {
		return nil, err
	}
	events.add(res, models.MovementPurchase, receipt.Reference)
	return p, nil
}

// TransferStock перемещает количество между зонами. Из зоны отправления снимается
// стоимость по ее средней цене, в зону назначения приходуется ровно снятая сумма
// (вместе с дефицитом за недостающее количество). Σ quantity и value - deficit
// не меняются, поэтому cost_price не пересчитывается.
func (s *StockService) TransferStock(ctx context.Context, transfer StockTransfer) (*models.Product, error) {
	if transfer.Quantity <= 0 {
		return nil, newValidationError("quantity", "количество перемещения должно быть > 0")
	}
	if !transfer.From.Valid() || !transfer.To.Valid() {
		return nil, newValidationError("location", "неизвестная зона склада")
	}
	if transfer.From == transfer.To {
		return nil, newValidationError("to", "зоны отправления и назначения совпадают")
	}

	var product *models.Product
	events := &eventCollector{}
	err := s.retry.Transaction(ctx, s.db, "stock.TransferStock", func(tx *gorm.DB) error {
		events.reset()
		current, err := loadProductInTx(tx, transfer.ProductID)
		if err != nil {
			return err
		}
		unitCost := transferUnitCost(*current.Stock(transfer.From), transfer.Quantity, current.CostPrice)

		out, err := s.ledger.ApplyInTx(tx, MovementRequest{
			ProductID:     transfer.ProductID,
			Location:      transfer.From,
			QuantityDelta: -transfer.Quantity,
			UnitCost:      &unitCost,
			MovementType:  models.MovementTransferOut,
			PerformedBy:   transfer.PerformedBy,
			Notes:         transfer.Notes,
		})
		if err != nil {
			return err
		}
		moved := out.ValueDelta.Neg().Add(out.DeficitDelta)
		in, err := s.ledger.ApplyInTx(tx, MovementRequest{
			ProductID:     transfer.ProductID,
			Location:      transfer.To,
			QuantityDelta: transfer.Quantity,
			Value:         &moved,
			MovementType:  models.MovementTransferIn,
			PerformedBy:   transfer.PerformedBy,
			Notes:         transfer.Notes,
		})
		if err != nil {
			return err
		}
		product = in.Product
		events.add(out, models.MovementTransferOut, "")
		events.add(in, models.MovementTransferIn, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("product_id", product.ID).
		Msgf("🔁 Перемещение %s: %.3f %s -> %s", product.Name, transfer.Quantity, transfer.From, transfer.To)
	s.afterCommit(ctx, events)
	return product, nil
}

// transferUnitCost - средняя цена зоны отправления. Если перемещается весь
// положительный остаток, цена округляется вверх, чтобы в зоне не осталась стоимость
// без количества. Пустая зона оценивается по cost_price.
func transferUnitCost(from models.LocationStock, quantity float64, fallback decimal.Decimal) decimal.Decimal {
	if from.Quantity <= 0 || !from.Value.IsPositive() {
		return fallback
	}
	avg := from.Value.Div(decimal.NewFromFloat(from.Quantity))
	if quantity >= from.Quantity {
		return avg.RoundCeil(moneyPlaces)
	}
	return roundMoney(avg)
}

// AdjustStock применяет ручную корректировку с обязательной причиной
func (s *StockService) AdjustStock(ctx context.Context, adj StockAdjustment) (*models.Product, error) {
	if adj.QuantityDelta == 0 {
		return nil, newValidationError("quantity_delta", "корректировка не может быть нулевой")
	}
	if strings.TrimSpace(adj.Reason) == "" {
		return nil, newValidationError("reason", "причина корректировки обязательна")
	}
	if adj.UnitCost != nil && adj.UnitCost.IsNegative() {
		return nil, newValidationError("unit_cost", "цена не может быть отрицательной")
	}

	var product *models.Product
	events := &eventCollector{}
	err := s.retry.Transaction(ctx, s.db, "stock.AdjustStock", func(tx *gorm.DB) error {
		events.reset()
		res, err := s.ledger.ApplyInTx(tx, MovementRequest{
			ProductID:     adj.ProductID,
			Location:      adj.Location,
			QuantityDelta: adj.QuantityDelta,
			UnitCost:      adj.UnitCost,
			MovementType:  models.MovementAdjustment,
			PerformedBy:   adj.PerformedBy,
			Notes:         adj.Reason,
		})
		if err != nil {
			return err
		}
		product = res.Product
		events.add(res, models.MovementAdjustment, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("product_id", product.ID).Str("reason", adj.Reason).
		Msgf("✏️ Корректировка %s: %+.3f в %s", product.Name, adj.QuantityDelta, adj.Location)
	s.afterCommit(ctx, events)
	return product, nil
}

// GetMovements возвращает журнал движений продукта (новые первыми)
func (s *StockService) GetMovements(ctx context.Context, productID string, limit int) ([]models.StockMovement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var movements []models.StockMovement
	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if productID != "" {
		query = query.Where("product_id = ?", productID)
	}
	if err := query.Find(&movements).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения движений: %w", err)
	}
	return movements, nil
}

// TotalStockValue - стоимость всех остатков (сумма value по четырем зонам всех продуктов)
func (s *StockService) TotalStockValue(ctx context.Context) (decimal.Decimal, error) {
	summary, err := s.Valuation(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return summary.Total, nil
}

// Valuation считает стоимость остатков по тем же (вид, зона), что ведет журнал.
// Результат кэшируется в Redis до следующего движения.
func (s *StockService) Valuation(ctx context.Context) (*ValuationSummary, error) {
	if s.redisUtil != nil {
		var cached ValuationSummary
		if err := s.redisUtil.GetJSON(stockValueCacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	var products []models.Product
	if err := s.db.WithContext(ctx).Find(&products).Error; err != nil {
		return nil, fmt.Errorf("ошибка агрегации остатков: %w", err)
	}
	summary := SummarizeValuation(products)

	if s.redisUtil != nil {
		if err := s.redisUtil.Set(stockValueCacheKey, summary, s.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("⚠️ Не удалось закэшировать стоимость остатков")
		}
	}
	return summary, nil
}

// SummarizeValuation агрегирует стоимость продуктов по зонам и видам
func SummarizeValuation(products []models.Product) *ValuationSummary {
	summary := &ValuationSummary{
		Total:        decimal.Zero,
		DeficitTotal: decimal.Zero,
		ByLocation:   make(map[string]decimal.Decimal, len(models.Locations)),
		ByKind:       make(map[string]decimal.Decimal),
		Products:     len(products),
	}
	for _, loc := range models.Locations {
		summary.ByLocation[loc.String()] = decimal.Zero
	}
	for i := range products {
		p := &products[i]
		for _, loc := range models.Locations {
			stock := p.Stock(loc)
			summary.Total = summary.Total.Add(stock.Value)
			summary.DeficitTotal = summary.DeficitTotal.Add(stock.Deficit)
			summary.ByLocation[loc.String()] = summary.ByLocation[loc.String()].Add(stock.Value)
			summary.ByKind[p.Kind] = summary.ByKind[p.Kind].Add(stock.Value)
		}
	}
	return summary
}

// afterCommit отправляет события и сбрасывает кэш агрегата
func (s *StockService) afterCommit(ctx context.Context, events *eventCollector) {
	if s.redisUtil != nil {
		if err := s.redisUtil.Delete(stockValueCacheKey); err != nil {
			log.Warn().Err(err).Msg("⚠️ Не удалось сбросить кэш стоимости остатков")
		}
	}
	events.flush(ctx, s.notifier)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IsNotFound сообщает, что ошибка вызвана отсутствием записи
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

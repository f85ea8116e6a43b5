package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"patisserie/server/internal/models"
)

// InvoiceItem - валидированная строка накладной в единицах продукта
type InvoiceItem struct {
	ProductID   string
	ProductName string
	Quantity    float64         // Количество в единице продукта
	InvoiceUnit string          // Единица из накладной
	UnitCost    decimal.Decimal // Цена за единицу продукта
	TotalCost   decimal.Decimal
}

// InvoiceBatch - накладная поставщика целиком
type InvoiceBatch struct {
	Reference   string                   `json:"reference"`
	Location    models.Location          `json:"location"`
	PerformedBy string                   `json:"performed_by"`
	Items       []map[string]interface{} `json:"items"`
}

// InvoiceBatchResult - итог обработки накладной
type InvoiceBatchResult struct {
	Reference string          `json:"reference"`
	Received  int             `json:"received"`
	Skipped   []string        `json:"skipped,omitempty"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

// ValidateInvoiceItem проверяет строку накладной и приводит ее к единице продукта.
// Продукт ищется по product_id, иначе по точному названию.
func ValidateInvoiceItem(db *gorm.DB, itemData map[string]interface{}) (*InvoiceItem, error) {
	var product models.Product
	if id, _ := itemData["product_id"].(string); strings.TrimSpace(id) != "" {
		id = strings.TrimSpace(id)
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("невалидный UUID для product_id: %s", id)
		}
		if err := db.First(&product, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("продукт %s не найден", id)
			}
			return nil, fmt.Errorf("ошибка поиска продукта: %w", err)
		}
	} else if name, _ := itemData["name"].(string); strings.TrimSpace(name) != "" {
		name = strings.TrimSpace(name)
		if err := db.Where("LOWER(name) = ?", strings.ToLower(name)).First(&product).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("продукт %q не найден", name)
			}
			return nil, fmt.Errorf("ошибка поиска продукта: %w", err)
		}
	} else {
		return nil, fmt.Errorf("отсутствует product_id или name")
	}

	quantity, err := decimalField(itemData, "quantity")
	if err != nil {
		return nil, err
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("quantity должен быть > 0, получено: %s", quantity.String())
	}
	price, err := decimalField(itemData, "price")
	if err != nil {
		return nil, err
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("price не может быть отрицательной: %s", price.String())
	}

	unit, _ := itemData["unit"].(string)
	unit = NormalizeUnit(unit)
	if unit == "" {
		unit = product.Unit
	}

	qty := quantity.InexactFloat64()
	converted, ok := ConvertQuantity(qty, unit, product.Unit)
	if !ok {
		return nil, fmt.Errorf("нет конвертации %s -> %s для %s", unit, product.Unit, product.Name)
	}
	// Приходуется сумма строки, цена за единицу продукта только для отображения
	total := roundMoney(quantity.Mul(price))
	unitCost := total.DivRound(decimal.NewFromFloat(converted), moneyPlaces)

	return &InvoiceItem{
		ProductID:   product.ID,
		ProductName: product.Name,
		Quantity:    converted,
		InvoiceUnit: unit,
		UnitCost:    unitCost,
		TotalCost:   total,
	}, nil
}

func decimalField(itemData map[string]interface{}, key string) (decimal.Decimal, error) {
	raw, ok := itemData[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("отсутствует %s", key)
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(v), ",", "."))
		if err != nil {
			return decimal.Zero, fmt.Errorf("неверный формат %s: %v", key, v)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("неверный тип %s: %T", key, v)
	}
}

// ProcessInvoiceBatch оприходует накладную одной транзакцией.
// Невалидные строки пропускаются до начала транзакции, валидные приходуются все или ни одна.
func (s *StockService) ProcessInvoiceBatch(ctx context.Context, batch InvoiceBatch) (*InvoiceBatchResult, error) {
	if !batch.Location.Valid() {
		return nil, newValidationError("location", "неизвестная зона склада")
	}
	if batch.Reference == "" {
		batch.Reference = "INV-" + uuid.New().String()[:8]
	}

	// Pre-flight валидация всех строк (до транзакции)
	result := &InvoiceBatchResult{Reference: batch.Reference, TotalCost: decimal.Zero}
	validated := make([]*InvoiceItem, 0, len(batch.Items))
	db := s.db.WithContext(ctx)
	for i, itemData := range batch.Items {
		item, err := ValidateInvoiceItem(db, itemData)
		if err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("строка %d: %v", i+1, err))
			log.Warn().Str("reference", batch.Reference).Msgf("⚠️ Пропущена строка %d: %v", i+1, err)
			continue
		}
		log.Debug().Str("reference", batch.Reference).
			Msgf("📦 %s: %s по %s", item.ProductName, formatQuantity(item.Quantity), item.UnitCost.StringFixed(moneyPlaces))
		validated = append(validated, item)
	}
	if len(validated) == 0 {
		return result, newValidationError("items", "нет валидных строк для оприходования")
	}

	events := &eventCollector{}
	err := s.retry.Transaction(ctx, s.db, "stock.ProcessInvoiceBatch", func(tx *gorm.DB) error {
		events.reset()
		for _, item := range validated {
			receipt := PurchaseReceipt{
				ProductID:   item.ProductID,
				Location:    batch.Location,
				Quantity:    item.Quantity,
				UnitCost:    item.UnitCost,
				LineTotal:   &item.TotalCost,
				Reference:   batch.Reference,
				PerformedBy: batch.PerformedBy,
				Notes:       fmt.Sprintf("накладная %s (%s)", batch.Reference, item.InvoiceUnit),
			}
			if _, err := s.receivePurchaseInTx(tx, receipt, events); err != nil {
				return fmt.Errorf("приход %s: %w", item.ProductName, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, item := range validated {
		result.TotalCost = result.TotalCost.Add(item.TotalCost)
	}
	result.Received = len(validated)
	log.Info().Str("reference", batch.Reference).Str("total", result.TotalCost.String()).
		Msgf("✅ Оприходована накладная: %d из %d строк", result.Received, len(batch.Items))
	s.afterCommit(ctx, events)
	return result, nil
}

var invoiceHeaderAliases = map[string]string{
	"product_id":   "product_id",
	"id":           "product_id",
	"name":         "name",
	"наименование": "name",
	"товар":        "name",
	"продукт":      "name",
	"quantity":     "quantity",
	"qty":          "quantity",
	"количество":   "quantity",
	"кол-во":       "quantity",
	"unit":         "unit",
	"ед.":          "unit",
	"единица":      "unit",
	"price":        "price",
	"цена":         "price",
}

// ParseInvoiceXLSX читает строки накладной из первого листа XLSX.
// Строка заголовков ищется среди первых 10 строк.
func ParseInvoiceXLSX(r io.Reader) ([]map[string]interface{}, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия XLSX файла: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("файл не содержит листов")
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения листа: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("файл пуст")
	}

	maxRows := 10
	if len(rows) < maxRows {
		maxRows = len(rows)
	}
	headerRow := -1
	var columns map[int]string
	for i := 0; i < maxRows; i++ {
		found := make(map[int]string)
		for col, cell := range rows[i] {
			if key, ok := invoiceHeaderAliases[strings.ToLower(strings.TrimSpace(cell))]; ok {
				found[col] = key
			}
		}
		if len(found) > len(columns) {
			columns = found
			headerRow = i
		}
	}
	if headerRow < 0 || !hasColumn(columns, "quantity") || !hasColumn(columns, "price") {
		return nil, fmt.Errorf("не найдены заголовки (quantity, price)")
	}

	items := make([]map[string]interface{}, 0, len(rows)-headerRow-1)
	for _, row := range rows[headerRow+1:] {
		item := make(map[string]interface{}, len(columns))
		for col, key := range columns {
			if col < len(row) {
				if value := strings.TrimSpace(row[col]); value != "" {
					item[key] = value
				}
			}
		}
		if len(item) == 0 {
			continue
		}
		items = append(items, item)
	}
	log.Debug().Int("rows", len(items)).Str("sheet", sheetName).Msg("📋 Накладная прочитана")
	return items, nil
}

func hasColumn(columns map[int]string, key string) bool {
	for _, k := range columns {
		if k == key {
			return true
		}
	}
	return false
}

// formatQuantity печатает количество без хвостовых нулей
func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"patisserie/server/internal/models"
)

// ProductValuation - снимок остатков продукта по зонам
type ProductValuation struct {
	ProductID       string                          `json:"product_id"`
	Name            string                          `json:"name"`
	Kind            string                          `json:"kind"`
	Unit            string                          `json:"unit"`
	CostPrice       decimal.Decimal                 `json:"cost_price"`
	Locations       map[string]models.LocationStock `json:"locations"`
	TotalQuantity   float64                         `json:"total_quantity"`
	TotalStockValue decimal.Decimal                 `json:"total_stock_value"`
	DeficitTotal    decimal.Decimal                 `json:"value_deficit_total"`
}

// ProductValuations возвращает стоимость остатков по каждому продукту
func (s *StockService) ProductValuations(ctx context.Context, kind string) ([]ProductValuation, error) {
	products, err := s.ListProducts(ctx, kind)
	if err != nil {
		return nil, err
	}
	rows := make([]ProductValuation, 0, len(products))
	for i := range products {
		p := &products[i]
		row := ProductValuation{
			ProductID:       p.ID,
			Name:            p.Name,
			Kind:            p.Kind,
			Unit:            p.Unit,
			CostPrice:       p.CostPrice,
			Locations:       make(map[string]models.LocationStock, len(models.Locations)),
			TotalQuantity:   p.TotalQuantity(),
			TotalStockValue: p.TotalStockValue,
			DeficitTotal:    p.ValueDeficitTotal,
		}
		for _, loc := range models.Locations {
			row.Locations[loc.String()] = *p.Stock(loc)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

const valuationSheet = "Остатки"

// ExportValuationXLSX пишет отчет о стоимости остатков в формате XLSX
func (s *StockService) ExportValuationXLSX(ctx context.Context, w io.Writer) error {
	rows, err := s.ProductValuations(ctx, "")
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", valuationSheet); err != nil {
		return fmt.Errorf("ошибка создания листа: %w", err)
	}

	headers := []interface{}{"Продукт", "Вид", "Ед.", "Себестоимость"}
	for _, loc := range models.Locations {
		headers = append(headers, loc.String()+" кол-во", loc.String()+" стоимость", loc.String()+" дефицит")
	}
	headers = append(headers, "Итого кол-во", "Итого стоимость", "Итого дефицит")
	if err := f.SetSheetRow(valuationSheet, "A1", &headers); err != nil {
		return fmt.Errorf("ошибка записи заголовков: %w", err)
	}

	total := decimal.Zero
	deficit := decimal.Zero
	for i, row := range rows {
		values := []interface{}{row.Name, row.Kind, row.Unit, row.CostPrice.InexactFloat64()}
		for _, loc := range models.Locations {
			stock := row.Locations[loc.String()]
			values = append(values, stock.Quantity, stock.Value.InexactFloat64(), stock.Deficit.InexactFloat64())
		}
		values = append(values, row.TotalQuantity, row.TotalStockValue.InexactFloat64(), row.DeficitTotal.InexactFloat64())

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(valuationSheet, cell, &values); err != nil {
			return fmt.Errorf("ошибка записи строки %d: %w", i+2, err)
		}
		total = total.Add(row.TotalStockValue)
		deficit = deficit.Add(row.DeficitTotal)
	}

	footer := len(rows) + 3
	summary := []interface{}{
		"Всего на " + time.Now().Format("02.01.2006 15:04"),
		fmt.Sprintf("%d продуктов", len(rows)),
		"",
		"",
	}
	for range models.Locations {
		summary = append(summary, "", "", "")
	}
	summary = append(summary, "", total.InexactFloat64(), deficit.InexactFloat64())
	cell, err := excelize.CoordinatesToCellName(1, footer)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(valuationSheet, cell, &summary); err != nil {
		return fmt.Errorf("ошибка записи итогов: %w", err)
	}

	if err := f.SetPanes(valuationSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("ошибка закрепления заголовков: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("ошибка записи XLSX: %w", err)
	}
	return nil
}

package api

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"patisserie/server/internal/models"
	"patisserie/server/internal/services"
)

// StockController управляет API endpoints каталога продуктов и остатков
type StockController struct {
	stockService *services.StockService
}

// NewStockController создает новый контроллер остатков
func NewStockController(stockService *services.StockService) *StockController {
	return &StockController{
		stockService: stockService,
	}
}

// GetProducts возвращает каталог
// GET /api/v1/products?kind=ingredient
func (sc *StockController) GetProducts(c *gin.Context) {
	products, err := sc.stockService.ListProducts(c.Request.Context(), c.Query("kind"))
	if err != nil {
		respondError(c, "Ошибка получения продуктов", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"products": products,
		"count":    len(products),
	})
}

// GetProduct возвращает продукт с остатками по зонам
// GET /api/v1/products/:id
func (sc *StockController) GetProduct(c *gin.Context) {
	product, err := sc.stockService.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Продукт не найден", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// CreateProduct добавляет продукт в каталог
// POST /api/v1/products
func (sc *StockController) CreateProduct(c *gin.Context) {
	var product models.Product
	if err := c.ShouldBindJSON(&product); err != nil {
		badRequest(c, err)
		return
	}

	if err := sc.stockService.CreateProduct(c.Request.Context(), &product); err != nil {
		respondError(c, "Ошибка создания продукта", err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

// ReceivePurchase приходует закупку
// POST /api/v1/stock/purchases
func (sc *StockController) ReceivePurchase(c *gin.Context) {
	var receipt services.PurchaseReceipt
	if err := c.ShouldBindJSON(&receipt); err != nil {
		badRequest(c, err)
		return
	}

	product, err := sc.stockService.ReceivePurchase(c.Request.Context(), receipt)
	if err != nil {
		respondError(c, "Ошибка прихода", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Приход проведен",
		"product": product,
	})
}

// ProcessInvoice проводит накладную из нескольких строк
// POST /api/v1/stock/invoices
func (sc *StockController) ProcessInvoice(c *gin.Context) {
	var batch services.InvoiceBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		badRequest(c, err)
		return
	}

	result, err := sc.stockService.ProcessInvoiceBatch(c.Request.Context(), batch)
	if err != nil {
		respondError(c, "Ошибка проведения накладной", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// UploadInvoice проводит накладную из XLSX файла
// POST /api/v1/stock/invoices/upload (multipart: file, location, reference)
func (sc *StockController) UploadInvoice(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequest(c, err)
		return
	}
	if ext := strings.ToLower(filepath.Ext(fileHeader.Filename)); ext != ".xlsx" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Неподдерживаемый формат файла",
			"details": fmt.Sprintf("ожидается .xlsx, получен %q", ext),
		})
		return
	}

	location, err := models.ParseLocation(c.PostForm("location"))
	if err != nil {
		badRequest(c, err)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		badRequest(c, err)
		return
	}
	defer file.Close()

	rows, err := services.ParseInvoiceXLSX(file)
	if err != nil {
		badRequest(c, err)
		return
	}

	reference := c.PostForm("reference")
	if reference == "" {
		reference = strings.TrimSuffix(fileHeader.Filename, filepath.Ext(fileHeader.Filename))
	}
	result, err := sc.stockService.ProcessInvoiceBatch(c.Request.Context(), services.InvoiceBatch{
		Reference:   reference,
		Location:    location,
		PerformedBy: c.PostForm("performed_by"),
		Items:       rows,
	})
	if err != nil {
		respondError(c, "Ошибка проведения накладной", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// TransferStock перемещает остаток между зонами
// POST /api/v1/stock/transfers
func (sc *StockController) TransferStock(c *gin.Context) {
	var transfer services.StockTransfer
	if err := c.ShouldBindJSON(&transfer); err != nil {
		badRequest(c, err)
		return
	}

	product, err := sc.stockService.TransferStock(c.Request.Context(), transfer)
	if err != nil {
		respondError(c, "Ошибка перемещения", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Перемещение проведено",
		"product": product,
	})
}

// AdjustStock ручная корректировка
// POST /api/v1/stock/adjustments
func (sc *StockController) AdjustStock(c *gin.Context) {
	var adj services.StockAdjustment
	if err := c.ShouldBindJSON(&adj); err != nil {
		badRequest(c, err)
		return
	}

	product, err := sc.stockService.AdjustStock(c.Request.Context(), adj)
	if err != nil {
		respondError(c, "Ошибка корректировки", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Корректировка проведена",
		"product": product,
	})
}

// GetMovements возвращает журнал движений
// GET /api/v1/stock/movements?product_id=...&limit=100
func (sc *StockController) GetMovements(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	movements, err := sc.stockService.GetMovements(c.Request.Context(), c.Query("product_id"), limit)
	if err != nil {
		respondError(c, "Ошибка получения движений", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"movements": movements,
		"count":     len(movements),
	})
}

// GetValuation возвращает стоимость остатков
// GET /api/v1/stock/valuation?detailed=true&kind=finished
func (sc *StockController) GetValuation(c *gin.Context) {
	summary, err := sc.stockService.Valuation(c.Request.Context())
	if err != nil {
		respondError(c, "Ошибка расчета стоимости остатков", err)
		return
	}

	response := gin.H{"summary": summary}
	if c.Query("detailed") == "true" {
		products, err := sc.stockService.ProductValuations(c.Request.Context(), c.Query("kind"))
		if err != nil {
			respondError(c, "Ошибка расчета стоимости остатков", err)
			return
		}
		response["products"] = products
	}
	c.JSON(http.StatusOK, response)
}

// ExportValuation выгружает оценку остатков в XLSX
// GET /api/v1/stock/valuation.xlsx
func (sc *StockController) ExportValuation(c *gin.Context) {
	var buf bytes.Buffer
	if err := sc.stockService.ExportValuationXLSX(c.Request.Context(), &buf); err != nil {
		respondError(c, "Ошибка выгрузки остатков", err)
		return
	}

	filename := fmt.Sprintf("stock_valuation_%s.xlsx", time.Now().Format("2006-01-02"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"patisserie/server/internal/middleware"
)

// Controllers - набор контроллеров HTTP API
type Controllers struct {
	Stock  *StockController
	Recipe *RecipeController
	Order  *OrderController
	WS     *WSController
}

// NewRouter собирает gin engine со всеми маршрутами /api/v1
func NewRouter(ctrl Controllers) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Recovery(), middleware.Logger(), middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "Stock Valuation Server",
		})
	})

	v1 := r.Group("/api/v1")

	products := v1.Group("/products")
	{
		products.GET("", ctrl.Stock.GetProducts)
		products.POST("", ctrl.Stock.CreateProduct)
		products.GET("/:id", ctrl.Stock.GetProduct)
	}

	stock := v1.Group("/stock")
	{
		stock.POST("/purchases", ctrl.Stock.ReceivePurchase)
		stock.POST("/invoices", ctrl.Stock.ProcessInvoice)
		stock.POST("/invoices/upload", ctrl.Stock.UploadInvoice)
		stock.POST("/transfers", ctrl.Stock.TransferStock)
		stock.POST("/adjustments", ctrl.Stock.AdjustStock)
		stock.GET("/movements", ctrl.Stock.GetMovements)
		stock.GET("/valuation", ctrl.Stock.GetValuation)
		stock.GET("/valuation.xlsx", ctrl.Stock.ExportValuation)
	}

	recipes := v1.Group("/recipes")
	{
		recipes.GET("", ctrl.Recipe.GetRecipes)
		recipes.POST("", ctrl.Recipe.CreateRecipe)
		recipes.GET("/:id", ctrl.Recipe.GetRecipe)
		recipes.PUT("/:id", ctrl.Recipe.UpdateRecipe)
		recipes.DELETE("/:id", ctrl.Recipe.DeleteRecipe)
		recipes.GET("/:id/cost", ctrl.Recipe.GetRecipeCost)
		recipes.GET("/:id/versions", ctrl.Recipe.GetRecipeVersions)
		recipes.POST("/:id/refresh-cost", ctrl.Recipe.RefreshSnapshot)
	}

	orders := v1.Group("/orders")
	{
		orders.GET("", ctrl.Order.GetOrders)
		orders.POST("", ctrl.Order.CreateOrder)
		orders.GET("/:id", ctrl.Order.GetOrder)
		orders.POST("/:id/start", ctrl.Order.StartProduction)
		orders.POST("/:id/finalize", ctrl.Order.FinalizeProduction)
		orders.POST("/:id/deliver", ctrl.Order.MarkDelivered)
		orders.POST("/:id/pickup", ctrl.Order.MarkPickedUp)
		orders.POST("/:id/cancel", ctrl.Order.CancelOrder)
		orders.POST("/:id/payments", ctrl.Order.RecordPayment)
	}

	if ctrl.WS != nil {
		v1.GET("/ws/stock", ctrl.WS.ServeStockWS)
	}
	return r
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"patisserie/server/internal/models"
	"patisserie/server/internal/services"
)

// OrderController управляет жизненным циклом заказов и производственных заявок
type OrderController struct {
	orderService *services.OrderService
}

// NewOrderController создает контроллер заказов
func NewOrderController(orderService *services.OrderService) *OrderController {
	return &OrderController{orderService: orderService}
}

// CreateOrder создает заказ в статусе pending
// POST /api/v1/orders
func (oc *OrderController) CreateOrder(c *gin.Context) {
	var order models.Order
	if err := c.ShouldBindJSON(&order); err != nil {
		badRequest(c, err)
		return
	}

	if err := oc.orderService.CreateOrder(c.Request.Context(), &order); err != nil {
		respondError(c, "Ошибка создания заказа", err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// GetOrders возвращает последние заказы
// GET /api/v1/orders?status=in_production&limit=50
func (oc *OrderController) GetOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	orders, err := oc.orderService.ListOrders(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		respondError(c, "Ошибка получения заказов", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// GetOrder возвращает заказ с позициями
// GET /api/v1/orders/:id
func (oc *OrderController) GetOrder(c *gin.Context) {
	order, err := oc.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Заказ не найден", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// StartProduction POST /api/v1/orders/:id/start
func (oc *OrderController) StartProduction(c *gin.Context) {
	oc.runTransition(c, oc.orderService.StartProduction)
}

// finalizeRequest - кто и сколько произвел
type finalizeRequest struct {
	Assignments []services.EmployeeAssignment `json:"assignments"`
}

// FinalizeProduction списывает ингредиенты и приходует готовую продукцию
// POST /api/v1/orders/:id/finalize
func (oc *OrderController) FinalizeProduction(c *gin.Context) {
	var req finalizeRequest
	// Тело необязательно
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	oc.runTransition(c, func(ctx context.Context, orderID string) (services.TransitionResult, error) {
		return oc.orderService.FinalizeProduction(ctx, orderID, req.Assignments)
	})
}

// MarkDelivered POST /api/v1/orders/:id/deliver
func (oc *OrderController) MarkDelivered(c *gin.Context) {
	oc.runTransition(c, oc.orderService.MarkDelivered)
}

// MarkPickedUp POST /api/v1/orders/:id/pickup
func (oc *OrderController) MarkPickedUp(c *gin.Context) {
	oc.runTransition(c, oc.orderService.MarkPickedUp)
}

// CancelOrder POST /api/v1/orders/:id/cancel
func (oc *OrderController) CancelOrder(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	oc.runTransition(c, func(ctx context.Context, orderID string) (services.TransitionResult, error) {
		return oc.orderService.Cancel(ctx, orderID, req.Reason)
	})
}

// RecordPayment фиксирует оплату
// POST /api/v1/orders/:id/payments
func (oc *OrderController) RecordPayment(c *gin.Context) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Method string          `json:"method"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := oc.orderService.RecordPayment(c.Request.Context(), c.Param("id"), req.Amount, req.Method)
	if err != nil {
		respondError(c, "Ошибка регистрации оплаты", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type transitionCall func(ctx context.Context, orderID string) (services.TransitionResult, error)

// runTransition выполняет переход и возвращает TransitionResult в теле ответа.
// Код ответа зависит от вида ошибки, текст для пользователя берется из результата.
func (oc *OrderController) runTransition(c *gin.Context, call transitionCall) {
	result, err := call(c.Request.Context(), c.Param("id"))
	if err == nil {
		c.JSON(http.StatusOK, result)
		return
	}

	var validation *services.ValidationError
	var guard *services.TransitionGuardError
	switch {
	case errors.As(err, &guard):
		c.JSON(http.StatusConflict, result)
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, result)
	case services.IsNotFound(err):
		c.JSON(http.StatusNotFound, result)
	default:
		c.JSON(http.StatusInternalServerError, result)
	}
}

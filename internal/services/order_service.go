package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"patisserie/server/internal/models"
)

// EmployeeAssignment - сотрудник, назначенный на производство заказа
type EmployeeAssignment struct {
	EmployeeID   string  `json:"employee_id"`
	EmployeeName string  `json:"employee_name"`
	Role         string  `json:"role"`
	Quantity     float64 `json:"quantity"`
}

// TransitionResult - итог перехода для вызывающего кода: (success, errorMessage)
type TransitionResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Order   *models.Order   `json:"order,omitempty"`
	Issues  []SoftDataIssue `json:"issues,omitempty"`
}

// OrderService - жизненный цикл заказа и связанные с ним движения остатков
type OrderService struct {
	db     *gorm.DB
	ledger *LedgerService
	costs  *RecipeCostService
	stock  *StockService
	retry  RetryPolicy
	now    func() time.Time
}

// NewOrderService создает сервис заказов
func NewOrderService(db *gorm.DB, ledger *LedgerService, costs *RecipeCostService, stock *StockService, retry RetryPolicy) *OrderService {
	return &OrderService{
		db:     db,
		ledger: ledger,
		costs:  costs,
		stock:  stock,
		retry:  retry,
		now:    time.Now,
	}
}

// CreateOrder создает заказ в статусе pending
func (s *OrderService) CreateOrder(ctx context.Context, order *models.Order) error {
	if !models.ValidOrderType(order.OrderType) {
		return newValidationError("order_type", "неизвестный тип заказа %q", order.OrderType)
	}
	if len(order.Items) == 0 {
		return newValidationError("items", "заказ без позиций")
	}

	total := decimal.Zero
	for i, item := range order.Items {
		if item.Quantity <= 0 {
			return newValidationError(fmt.Sprintf("items[%d].quantity", i), "количество должно быть > 0")
		}
		if item.UnitPrice.IsNegative() {
			return newValidationError(fmt.Sprintf("items[%d].unit_price", i), "цена не может быть отрицательной")
		}
		total = roundMoney(total.Add(lineValue(item.Quantity, item.UnitPrice)))
	}

	order.Status = models.OrderStatusPending
	order.TotalAmount = total
	order.AmountPaid = decimal.Zero
	order.PaymentStatus = models.PaymentStatusUnpaid

	items := order.Items
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, item := range items {
			if _, err := loadProductInTx(tx, item.ProductID); err != nil {
				if errors.Is(err, ErrNotFound) {
					return newValidationError(fmt.Sprintf("items[%d].product_id", i), "продукт %s не найден", item.ProductID)
				}
				return err
			}
		}

		order.Items = nil
		if err := tx.Omit(clause.Associations).Create(order).Error; err != nil {
			return fmt.Errorf("ошибка создания заказа: %w", err)
		}
		for i := range items {
			items[i].ID = ""
			items[i].OrderID = order.ID
			items[i].Product = nil
			items[i].Position = i
			if err := tx.Omit(clause.Associations).Create(&items[i]).Error; err != nil {
				return fmt.Errorf("ошибка создания позиции #%d: %w", i+1, err)
			}
		}
		return nil
	})
	order.Items = items
	if err != nil {
		return err
	}

	log.Info().Str("order_id", order.ID).Str("type", order.OrderType).
		Msgf("📋 Создан заказ %s (%d позиций)", order.DisplayID, len(items))
	return nil
}

// GetOrder возвращает заказ с позициями
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return loadOrderInTx(s.db.WithContext(ctx), orderID)
}

// ListOrders возвращает заказы, опционально по статусу
func (s *OrderService) ListOrders(ctx context.Context, status string, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var orders []models.Order
	query := s.db.WithContext(ctx).Preload("Items").Order("created_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения заказов: %w", err)
	}
	return orders, nil
}

// StartProduction: pending -> in_production. Только резервирование, остатки не меняются.
func (s *OrderService) StartProduction(ctx context.Context, orderID string) (TransitionResult, error) {
	return s.transition(ctx, orderID, "start_production", []string{models.OrderStatusPending},
		func(tx *gorm.DB, order *models.Order, tc *transitionContext) (string, error) {
			return models.OrderStatusInProduction, nil
		})
}

// FinalizeProduction: in_production -> ready_at_shop | waiting_for_pickup | completed.
//
// В одной транзакции: списывает ингредиенты из зоны производства рецепта по их
// собственному cost_price, приходует готовый продукт на витрину по стандартной
// себестоимости рецепта и пересчитывает cost_price готового продукта.
// Любая ошибка откатывает все движения, заказ остается в in_production.
func (s *OrderService) FinalizeProduction(ctx context.Context, orderID string, assignments []EmployeeAssignment) (TransitionResult, error) {
	return s.transition(ctx, orderID, "finalize_production", []string{models.OrderStatusInProduction},
		func(tx *gorm.DB, order *models.Order, tc *transitionContext) (string, error) {
			// Стандартная себестоимость по рецептам до любых движений
			recipes := make(map[string]*models.Recipe, len(order.Items))
			unitCosts := make(map[string]decimal.Decimal, len(order.Items))
			for _, item := range order.Items {
				if _, seen := recipes[item.ProductID]; seen {
					continue
				}
				recipe, err := findRecipeForProductInTx(tx, item.ProductID)
				if err != nil {
					return "", err
				}
				recipes[item.ProductID] = recipe
				if recipe != nil {
					cost, issues := s.costs.CostPerUnit(recipe)
					unitCosts[item.ProductID] = cost
					tc.issues = append(tc.issues, issues...)
				}
			}

			// 1. Списание ингредиентов
			for _, item := range order.Items {
				recipe := recipes[item.ProductID]
				if recipe == nil {
					continue
				}
				for _, ing := range recipe.Ingredients {
					consumed := ing.QuantityNeeded / recipe.YieldQuantity * item.Quantity
					if ing.Ingredient != nil {
						if q, ok := ConvertQuantity(consumed, ing.Unit, ing.Ingredient.Unit); ok {
							consumed = q
						} else {
							tc.issues = append(tc.issues, SoftDataIssue{
								ProductID: ing.IngredientProductID,
								Message:   fmt.Sprintf("нет конвертации %s -> %s, списано без пересчета", ing.Unit, ing.Ingredient.Unit),
							})
						}
					}
					res, err := s.ledger.ApplyInTx(tx, MovementRequest{
						ProductID:         ing.IngredientProductID,
						Location:          recipe.ProductionLocation,
						QuantityDelta:     -consumed,
						MovementType:      models.MovementProductionConsume,
						SourceReferenceID: &order.ID,
						Notes:             fmt.Sprintf("производство: %s", recipe.Name),
					})
					if err != nil {
						return "", fmt.Errorf("списание ингредиента %s: %w", ing.IngredientProductID, err)
					}
					tc.events.add(res, models.MovementProductionConsume, order.ID)
				}
			}

			// 2-3. Приход готового продукта и пересчет его cost_price
			for i := range order.Items {
				item := &order.Items[i]
				recipe := recipes[item.ProductID]
				if recipe == nil {
					log.Warn().Str("order_id", order.ID).Str("product_id", item.ProductID).
						Msg("⚠️ У продукта нет рецепта, позиция не производится")
					continue
				}
				unitCost := unitCosts[item.ProductID]
				res, err := s.ledger.ApplyInTx(tx, MovementRequest{
					ProductID:         item.ProductID,
					Location:          models.LocationCounter,
					QuantityDelta:     item.Quantity,
					UnitCost:          &unitCost,
					MovementType:      models.MovementProductionOutput,
					SourceReferenceID: &order.ID,
					Notes:             fmt.Sprintf("выпуск: %s", recipe.Name),
				})
				if err != nil {
					return "", fmt.Errorf("приход готового продукта %s: %w", item.ProductID, err)
				}

				finished := res.Product
				if blended, ok := BlendedCostPrice(finished); ok {
					finished.CostPrice = blended
					if err := saveProductInTx(tx, finished); err != nil {
						return "", err
					}
				}
				tc.events.add(res, models.MovementProductionOutput, order.ID)

				if err := tx.Model(&models.OrderItem{}).Where("id = ?", item.ID).
					Update("production_unit_cost", unitCost).Error; err != nil {
					return "", fmt.Errorf("ошибка сохранения себестоимости позиции: %w", err)
				}
				item.ProductionUnitCost = &unitCost
			}

			for _, a := range assignments {
				assignment := models.ProductionAssignment{
					OrderID:      order.ID,
					EmployeeID:   a.EmployeeID,
					EmployeeName: a.EmployeeName,
					Role:         a.Role,
					Quantity:     a.Quantity,
				}
				if err := tx.Create(&assignment).Error; err != nil {
					return "", fmt.Errorf("ошибка сохранения назначения: %w", err)
				}
			}

			// 4. Целевой статус
			now := s.now().UTC()
			tc.updates["produced_at"] = now
			switch {
			case order.OrderType == models.OrderTypeCounterProduction:
				tc.updates["completed_at"] = now
				return models.OrderStatusCompleted, nil
			case order.IsPickup:
				return models.OrderStatusWaitingForPickup, nil
			default:
				return models.OrderStatusReadyAtShop, nil
			}
		})
}

// MarkDelivered: ready_at_shop -> delivered. Списывает готовый продукт с витрины
// по текущему cost_price (COGS).
func (s *OrderService) MarkDelivered(ctx context.Context, orderID string) (TransitionResult, error) {
	return s.transition(ctx, orderID, "mark_delivered", []string{models.OrderStatusReadyAtShop}, s.realizeSale)
}

// MarkPickedUp: waiting_for_pickup -> delivered, с тем же списанием, что и при доставке
func (s *OrderService) MarkPickedUp(ctx context.Context, orderID string) (TransitionResult, error) {
	return s.transition(ctx, orderID, "mark_picked_up", []string{models.OrderStatusWaitingForPickup}, s.realizeSale)
}

func (s *OrderService) realizeSale(tx *gorm.DB, order *models.Order, tc *transitionContext) (string, error) {
	for i := range order.Items {
		item := &order.Items[i]
		product, err := loadProductInTx(tx, item.ProductID)
		if err != nil {
			return "", err
		}
		cost := product.CostPrice
		res, err := s.ledger.ApplyInTx(tx, MovementRequest{
			ProductID:         item.ProductID,
			Location:          models.LocationCounter,
			QuantityDelta:     -item.Quantity,
			UnitCost:          &cost,
			MovementType:      models.MovementSale,
			SourceReferenceID: &order.ID,
		})
		if err != nil {
			return "", fmt.Errorf("списание продажи %s: %w", item.ProductID, err)
		}
		if err := tx.Model(&models.OrderItem{}).Where("id = ?", item.ID).
			Update("cogs_unit_cost", cost).Error; err != nil {
			return "", fmt.Errorf("ошибка сохранения COGS позиции: %w", err)
		}
		item.CogsUnitCost = &cost
		tc.events.add(res, models.MovementSale, order.ID)
	}
	tc.updates["delivered_at"] = s.now().UTC()
	return models.OrderStatusDelivered, nil
}

// Cancel отменяет незавершенный заказ. Остатки не возвращаются.
func (s *OrderService) Cancel(ctx context.Context, orderID, reason string) (TransitionResult, error) {
	var allowed []string
	for _, status := range models.OrderStatuses {
		if !models.IsTerminalOrderStatus(status) {
			allowed = append(allowed, status)
		}
	}
	return s.transition(ctx, orderID, "cancel", allowed,
		func(tx *gorm.DB, order *models.Order, tc *transitionContext) (string, error) {
			tc.updates["cancelled_at"] = s.now().UTC()
			if reason = strings.TrimSpace(reason); reason != "" {
				notes := reason
				if order.Notes != "" {
					notes = order.Notes + "\n" + reason
				}
				tc.updates["notes"] = notes
			}
			return models.OrderStatusCancelled, nil
		})
}

// RecordPayment добавляет оплату. Разрешено в любом статусе, включая финальные.
func (s *OrderService) RecordPayment(ctx context.Context, orderID string, amount decimal.Decimal, method string) (*models.Order, error) {
	if !amount.IsPositive() {
		return nil, newValidationError("amount", "сумма оплаты должна быть > 0")
	}

	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := loadOrderInTx(tx, orderID)
		if err != nil {
			return err
		}
		paid := roundMoney(loaded.AmountPaid.Add(amount))
		status := models.PaymentStatusPartial
		if paid.GreaterThanOrEqual(loaded.TotalAmount) {
			status = models.PaymentStatusPaid
		}
		updates := map[string]interface{}{
			"amount_paid":    paid,
			"payment_status": status,
		}
		if method != "" {
			updates["payment_method"] = method
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error; err != nil {
			return fmt.Errorf("ошибка сохранения оплаты: %w", err)
		}
		loaded.AmountPaid = paid
		loaded.PaymentStatus = status
		if method != "" {
			loaded.PaymentMethod = method
		}
		order = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("order_id", orderID).Str("amount", amount.String()).Str("status", order.PaymentStatus).
		Msg("💰 Оплата зарегистрирована")
	return order, nil
}

// transitionContext собирает побочные данные перехода внутри одной попытки транзакции
type transitionContext struct {
	events  *eventCollector
	updates map[string]interface{}
	issues  []SoftDataIssue
}

type transitionFunc func(tx *gorm.DB, order *models.Order, tc *transitionContext) (string, error)

// transition - общая граница транзакции для всех переходов статуса.
// Проверяет guard, выполняет fn, меняет статус с CAS по старому статусу.
func (s *OrderService) transition(ctx context.Context, orderID, action string, allowed []string, fn transitionFunc) (TransitionResult, error) {
	var order *models.Order
	var fromStatus, toStatus string
	tc := &transitionContext{events: &eventCollector{}}

	err := s.retry.Transaction(ctx, s.db, "order."+action, func(tx *gorm.DB) error {
		tc.events.reset()
		tc.updates = make(map[string]interface{})
		tc.issues = nil

		loaded, err := loadOrderInTx(tx, orderID)
		if err != nil {
			return err
		}
		if !containsStatus(allowed, loaded.Status) {
			return &TransitionGuardError{OrderID: orderID, Action: action, From: loaded.Status, Want: allowed}
		}

		target, err := fn(tx, loaded, tc)
		if err != nil {
			return err
		}

		tc.updates["status"] = target
		result := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", loaded.ID, loaded.Status).
			Updates(tc.updates)
		if result.Error != nil {
			return fmt.Errorf("ошибка обновления статуса заказа: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("заказ %s изменен параллельно: %w", orderID, ErrVersionConflict)
		}

		fromStatus = loaded.Status
		toStatus = target
		loaded.Status = target
		order = loaded
		return nil
	})

	if err != nil {
		return s.failure(orderID, action, err), s.classify(action, err)
	}

	log.Info().Str("order_id", orderID).Str("action", action).
		Msgf("✅ Заказ %s: %s -> %s", order.DisplayID, fromStatus, toStatus)
	if s.stock != nil {
		s.stock.afterCommit(ctx, tc.events)
	}

	// Перечитываем, чтобы вернуть актуальные timestamps и поля позиций
	if fresh, err := loadOrderInTx(s.db.WithContext(ctx), orderID); err == nil {
		order = fresh
	}
	return TransitionResult{Success: true, Order: order, Issues: tc.issues}, nil
}

// classify оборачивает ошибки записи в PersistenceFailure
func (s *OrderService) classify(action string, err error) error {
	var validation *ValidationError
	var guard *TransitionGuardError
	if errors.As(err, &validation) || errors.As(err, &guard) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceFailure{Op: action, Err: err}
}

func (s *OrderService) failure(orderID, action string, err error) TransitionResult {
	var validation *ValidationError
	var guard *TransitionGuardError
	switch {
	case errors.As(err, &guard):
		log.Warn().Str("order_id", orderID).Str("action", action).Msgf("⚠️ %v", err)
	case errors.As(err, &validation), errors.Is(err, ErrNotFound):
		log.Warn().Str("order_id", orderID).Str("action", action).Err(err).Msg("⚠️ Переход отклонен")
	default:
		log.Error().Err(err).Str("order_id", orderID).Str("action", action).
			Str("stack", string(debug.Stack())).
			Msg("❌ Переход откатен, изменения не применены")
	}
	return TransitionResult{Success: false, Message: UserMessage(err)}
}

func containsStatus(allowed []string, status string) bool {
	for _, a := range allowed {
		if a == status {
			return true
		}
	}
	return false
}

func loadOrderInTx(tx *gorm.DB, orderID string) (*models.Order, error) {
	var order models.Order
	err := tx.
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("Assignments").
		First(&order, "id = ?", orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("заказ %s: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка загрузки заказа %s: %w", orderID, err)
	}
	return &order, nil
}

// findRecipeForProductInTx возвращает активный рецепт готового продукта или nil
func findRecipeForProductInTx(tx *gorm.DB, productID string) (*models.Recipe, error) {
	var recipe models.Recipe
	err := tx.
		Preload("Ingredients", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("Ingredients.Ingredient").
		Where("product_id = ? AND is_active = ?", productID, true).
		First(&recipe).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка загрузки рецепта продукта %s: %w", productID, err)
	}
	if recipe.YieldQuantity <= 0 {
		return nil, newValidationError("yield_quantity", "у рецепта %s выход <= 0", recipe.Name)
	}
	return &recipe, nil
}

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"patisserie/server/internal/models"
)

func (e *testEnv) createOrder(t *testing.T, orderType string, pickup bool, items ...models.OrderItem) *models.Order {
	t.Helper()
	order := &models.Order{OrderType: orderType, IsPickup: pickup, CustomerName: "Amina", Items: items}
	require.NoError(t, e.orders.CreateOrder(context.Background(), order))
	return order
}

func (e *testEnv) startedBreadOrder(t *testing.T, fx breadFixture, orderType string, pickup bool, qty float64) *models.Order {
	t.Helper()
	order := e.createOrder(t, orderType, pickup, models.OrderItem{ProductID: fx.bread.ID, Quantity: qty, UnitPrice: dec("15")})
	res, err := e.orders.StartProduction(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	return order
}

func seededBread(t *testing.T, env *testEnv) breadFixture {
	t.Helper()
	fx := createBreadRecipe(t, env)
	env.seed(t, fx.flour, models.LocationLabReserve, 5000)
	env.seed(t, fx.yeast, models.LocationLabReserve, 100)
	return fx
}

func TestFinalizeProduction_ConsumesAndProduces(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	order := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, false, 5)

	assignments := []EmployeeAssignment{{EmployeeID: "emp-1", EmployeeName: "Yacine", Role: "baker", Quantity: 5}}
	res, err := env.orders.FinalizeProduction(ctx, order.ID, assignments)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Empty(t, res.Message)
	assert.Equal(t, models.OrderStatusReadyAtShop, res.Order.Status)
	assert.NotNil(t, res.Order.ProducedAt)
	require.Len(t, res.Order.Assignments, 1)

	// Ингредиенты по собственной себестоимости
	flour := env.reloadProduct(t, fx.flour.ID)
	assert.Equal(t, 4500.0, flour.LabReserve.Quantity)
	requireDecimal(t, "360", flour.LabReserve.Value)
	requireInvariants(t, flour)

	yeast := env.reloadProduct(t, fx.yeast.ID)
	assert.Equal(t, 90.0, yeast.LabReserve.Quantity)
	requireDecimal(t, "54", yeast.LabReserve.Value)
	requireInvariants(t, yeast)

	// Готовый продукт по стандартной себестоимости рецепта
	bread := env.reloadProduct(t, fx.bread.ID)
	assert.Equal(t, 5.0, bread.Counter.Quantity)
	requireDecimal(t, "46", bread.Counter.Value)
	requireDecimal(t, "9.2", bread.CostPrice)
	requireInvariants(t, bread)

	require.Len(t, res.Order.Items, 1)
	require.NotNil(t, res.Order.Items[0].ProductionUnitCost)
	requireDecimal(t, "9.2", *res.Order.Items[0].ProductionUnitCost)

	var movements []models.StockMovement
	require.NoError(t, env.db.Where("source_reference_id = ?", order.ID).Find(&movements).Error)
	assert.Len(t, movements, 3)
}

func TestFinalizeProduction_SelfReferencingRecipe(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	env.recipes.SetAllowSelfReferencing(true)
	box := env.createProduct(t, "Gift box", models.ProductKindFinished, "pcs", "3")
	recipe := &models.Recipe{
		Name:          "Repack",
		ProductID:     &box.ID,
		YieldQuantity: 1,
		Ingredients:   []models.RecipeIngredient{{IngredientProductID: box.ID, QuantityNeeded: 1, Unit: "pcs"}},
	}
	require.NoError(t, env.recipes.CreateRecipe(ctx, recipe, "chef"))
	env.seed(t, box, models.LocationLabReserve, 4)

	order := env.createOrder(t, models.OrderTypeCustomer, false, models.OrderItem{ProductID: box.ID, Quantity: 2, UnitPrice: dec("8")})
	started, err := env.orders.StartProduction(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, started.Success)

	// Списание и приход идут по одной строке продукта: version растет дважды в одной транзакции
	res, err := env.orders.FinalizeProduction(ctx, order.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, models.OrderStatusReadyAtShop, res.Order.Status)

	stored := env.reloadProduct(t, box.ID)
	assert.Equal(t, 2.0, stored.LabReserve.Quantity)
	requireDecimal(t, "6", stored.LabReserve.Value)
	assert.Equal(t, 2.0, stored.Counter.Quantity)
	requireDecimal(t, "6", stored.Counter.Value)
	requireDecimal(t, "12", stored.TotalStockValue)
	requireDecimal(t, "3", stored.CostPrice)
	requireInvariants(t, stored)

	var movements []models.StockMovement
	require.NoError(t, env.db.Where("source_reference_id = ?", order.ID).Order("created_at").Find(&movements).Error)
	require.Len(t, movements, 2)
}

func TestFinalizeProduction_FailureRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	order := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, false, 5)

	flourBefore := env.reloadProduct(t, fx.flour.ID)
	yeastBefore := env.reloadProduct(t, fx.yeast.ID)
	breadBefore := env.reloadProduct(t, fx.bread.ID)

	// Ошибка БД на записи второго ингредиента
	armed := true
	productUpdates := 0
	require.NoError(t, env.db.Callback().Update().Before("gorm:update").Register("test:fail_second_ingredient", func(db *gorm.DB) {
		if !armed || db.Statement.Table != "products" {
			return
		}
		productUpdates++
		if productUpdates == 2 {
			db.AddError(errors.New("injected: connection reset"))
		}
	}))

	res, err := env.orders.FinalizeProduction(ctx, order.ID, []EmployeeAssignment{{EmployeeID: "emp-1"}})
	require.Error(t, err)
	var persistence *PersistenceFailure
	require.True(t, errors.As(err, &persistence))
	assert.False(t, res.Success)
	assert.Equal(t, GenericFailureMessage, res.Message)
	assert.Equal(t, 2, productUpdates)
	armed = false

	for _, before := range []*models.Product{flourBefore, yeastBefore, breadBefore} {
		after := env.reloadProduct(t, before.ID)
		assert.Equal(t, before.Version, after.Version, before.Name)
		for _, loc := range models.Locations {
			assert.Equal(t, before.Stock(loc).Quantity, after.Stock(loc).Quantity, "%s %s", before.Name, loc)
			assert.True(t, before.Stock(loc).Value.Equal(after.Stock(loc).Value), "%s %s", before.Name, loc)
			assert.True(t, before.Stock(loc).Deficit.Equal(after.Stock(loc).Deficit), "%s %s", before.Name, loc)
		}
		assert.True(t, before.CostPrice.Equal(after.CostPrice))
	}

	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProduction, stored.Status)
	assert.Nil(t, stored.ProducedAt)
	assert.Empty(t, stored.Assignments)
	assert.Nil(t, stored.Items[0].ProductionUnitCost)

	var movements int64
	require.NoError(t, env.db.Model(&models.StockMovement{}).Where("source_reference_id = ?", order.ID).Count(&movements).Error)
	assert.Zero(t, movements)

	// После сбоя переход можно повторить
	res, err = env.orders.FinalizeProduction(ctx, order.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 5.0, env.reloadProduct(t, fx.bread.ID).Counter.Quantity)
}

func TestFinalizeProduction_Guard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	order := env.createOrder(t, models.OrderTypeCustomer, false, models.OrderItem{ProductID: fx.bread.ID, Quantity: 2, UnitPrice: dec("15")})

	res, err := env.orders.FinalizeProduction(ctx, order.ID, nil)
	var guard *TransitionGuardError
	require.True(t, errors.As(err, &guard))
	assert.Equal(t, models.OrderStatusPending, guard.From)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "finalize_production")

	flour := env.reloadProduct(t, fx.flour.ID)
	assert.Equal(t, 5000.0, flour.LabReserve.Quantity)

	_, err = env.orders.MarkDelivered(ctx, order.ID)
	assert.True(t, errors.As(err, &guard))

	_, err = env.orders.StartProduction(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFinalizeProduction_BlendsFinishedCostPrice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	require.NoError(t, env.db.Model(&models.Product{}).Where("id = ?", fx.bread.ID).Update("cost_price", dec("8")).Error)
	env.seed(t, fx.bread, models.LocationCounter, 5)

	order := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, false, 5)
	_, err := env.orders.FinalizeProduction(ctx, order.ID, nil)
	require.NoError(t, err)

	bread := env.reloadProduct(t, fx.bread.ID)
	// (5*8 + 5*9.2) / 10
	requireDecimal(t, "86", bread.Counter.Value)
	requireDecimal(t, "8.6", bread.CostPrice)

	res, err := env.orders.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Order.Items[0].CogsUnitCost)
	requireDecimal(t, "8.6", *res.Order.Items[0].CogsUnitCost)

	bread = env.reloadProduct(t, fx.bread.ID)
	assert.Equal(t, 5.0, bread.Counter.Quantity)
	requireDecimal(t, "43", bread.Counter.Value)
	requireInvariants(t, bread)
}

func TestMarkDelivered_RealizesCogs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	order := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, false, 5)
	_, err := env.orders.FinalizeProduction(ctx, order.ID, nil)
	require.NoError(t, err)

	flourBefore := env.reloadProduct(t, fx.flour.ID)
	res, err := env.orders.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, res.Order.Status)
	assert.NotNil(t, res.Order.DeliveredAt)

	bread := env.reloadProduct(t, fx.bread.ID)
	assert.Equal(t, 0.0, bread.Counter.Quantity)
	requireDecimal(t, "0", bread.Counter.Value)
	requireDecimal(t, "0", bread.Counter.Deficit)

	// Ингредиенты при продаже не двигаются
	flour := env.reloadProduct(t, fx.flour.ID)
	assert.Equal(t, flourBefore.LabReserve.Quantity, flour.LabReserve.Quantity)

	_, err = env.orders.MarkDelivered(ctx, order.ID)
	var guard *TransitionGuardError
	assert.True(t, errors.As(err, &guard))
}

func TestFinalizeProduction_CounterRequestCompletes(t *testing.T) {
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	order := env.startedBreadOrder(t, fx, models.OrderTypeCounterProduction, false, 10)

	res, err := env.orders.FinalizeProduction(context.Background(), order.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, res.Order.Status)
	assert.NotNil(t, res.Order.CompletedAt)

	bread := env.reloadProduct(t, fx.bread.ID)
	assert.Equal(t, 10.0, bread.Counter.Quantity)
	requireDecimal(t, "92", bread.Counter.Value)
}

func TestPickupPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	order := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, true, 2)

	res, err := env.orders.FinalizeProduction(ctx, order.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusWaitingForPickup, res.Order.Status)

	_, err = env.orders.MarkDelivered(ctx, order.ID)
	var guard *TransitionGuardError
	require.True(t, errors.As(err, &guard))

	res, err = env.orders.MarkPickedUp(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, res.Order.Status)
	assert.Equal(t, 0.0, env.reloadProduct(t, fx.bread.ID).Counter.Quantity)
}

func TestFinalizeProduction_ItemsWithoutRecipeAreNotProduced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	soda := env.createProduct(t, "Soda", models.ProductKindFinished, "pcs", "0.5")
	env.seed(t, soda, models.LocationCounter, 12)

	order := env.createOrder(t, models.OrderTypeInStore, false,
		models.OrderItem{ProductID: fx.bread.ID, Quantity: 1, UnitPrice: dec("15")},
		models.OrderItem{ProductID: soda.ID, Quantity: 2, UnitPrice: dec("1.5")},
	)
	_, err := env.orders.StartProduction(ctx, order.ID)
	require.NoError(t, err)
	_, err = env.orders.FinalizeProduction(ctx, order.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 12.0, env.reloadProduct(t, soda.ID).Counter.Quantity)

	_, err = env.orders.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	s := env.reloadProduct(t, soda.ID)
	assert.Equal(t, 10.0, s.Counter.Quantity)
	requireDecimal(t, "5", s.Counter.Value)
}

func TestFinalizeProduction_OversoldIngredientGoesToDeficit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := createBreadRecipe(t, env)
	env.seed(t, fx.flour, models.LocationLabReserve, 200)
	env.seed(t, fx.yeast, models.LocationLabReserve, 100)

	order := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, false, 5)
	res, err := env.orders.FinalizeProduction(ctx, order.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	flour := env.reloadProduct(t, fx.flour.ID)
	assert.Equal(t, -300.0, flour.LabReserve.Quantity)
	requireDecimal(t, "0", flour.LabReserve.Value)
	requireDecimal(t, "24", flour.LabReserve.Deficit)
	requireInvariants(t, flour)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	order := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, false, 5)
	_, err := env.orders.FinalizeProduction(ctx, order.ID, nil)
	require.NoError(t, err)

	res, err := env.orders.Cancel(ctx, order.ID, "клиент не пришел")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.Status)
	assert.NotNil(t, res.Order.CancelledAt)
	assert.Contains(t, res.Order.Notes, "клиент не пришел")

	// Готовая продукция остается на витрине
	assert.Equal(t, 5.0, env.reloadProduct(t, fx.bread.ID).Counter.Quantity)

	_, err = env.orders.Cancel(ctx, order.ID, "")
	var guard *TransitionGuardError
	assert.True(t, errors.As(err, &guard))
}

func TestCancel_OnlyNonTerminalStatuses(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)

	pending := env.createOrder(t, models.OrderTypeCustomer, false, models.OrderItem{ProductID: fx.bread.ID, Quantity: 1, UnitPrice: dec("15")})
	res, err := env.orders.Cancel(ctx, pending.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.Status)

	pickup := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, true, 1)
	_, err = env.orders.FinalizeProduction(ctx, pickup.ID, nil)
	require.NoError(t, err)
	res, err = env.orders.Cancel(ctx, pickup.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.Status)

	delivered := env.startedBreadOrder(t, fx, models.OrderTypeCustomer, false, 1)
	_, err = env.orders.FinalizeProduction(ctx, delivered.ID, nil)
	require.NoError(t, err)
	_, err = env.orders.MarkDelivered(ctx, delivered.ID)
	require.NoError(t, err)

	res, err = env.orders.Cancel(ctx, delivered.ID, "поздно")
	var guard *TransitionGuardError
	require.True(t, errors.As(err, &guard))
	assert.False(t, res.Success)

	stored, err := env.orders.GetOrder(ctx, delivered.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, stored.Status)
	assert.Nil(t, stored.CancelledAt)
}

func TestRecordPayment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	fx := seededBread(t, env)
	order := env.createOrder(t, models.OrderTypeCustomer, false, models.OrderItem{ProductID: fx.bread.ID, Quantity: 5, UnitPrice: dec("3.5")})
	requireDecimal(t, "17.5", order.TotalAmount)

	paid, err := env.orders.RecordPayment(ctx, order.ID, dec("10"), "cash")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartial, paid.PaymentStatus)

	_, err = env.orders.Cancel(ctx, order.ID, "")
	require.NoError(t, err)

	// Оплата разрешена и в финальном статусе
	paid, err = env.orders.RecordPayment(ctx, order.ID, dec("7.5"), "card")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, paid.PaymentStatus)
	requireDecimal(t, "17.5", paid.AmountPaid)
	assert.Equal(t, "card", paid.PaymentMethod)

	_, err = env.orders.RecordPayment(ctx, order.ID, dec("0"), "cash")
	requireValidationField(t, err, "amount")
}

func TestCreateOrder_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, CostingLive)
	bread := env.createProduct(t, "Bread", models.ProductKindFinished, "pcs", "1")

	err := env.orders.CreateOrder(ctx, &models.Order{OrderType: "wholesale", Items: []models.OrderItem{{ProductID: bread.ID, Quantity: 1}}})
	requireValidationField(t, err, "order_type")

	err = env.orders.CreateOrder(ctx, &models.Order{OrderType: models.OrderTypeCustomer})
	requireValidationField(t, err, "items")

	err = env.orders.CreateOrder(ctx, &models.Order{OrderType: models.OrderTypeCustomer, Items: []models.OrderItem{{ProductID: bread.ID, Quantity: 0}}})
	requireValidationField(t, err, "items[0].quantity")

	err = env.orders.CreateOrder(ctx, &models.Order{OrderType: models.OrderTypeCustomer, Items: []models.OrderItem{{ProductID: "missing", Quantity: 1}}})
	requireValidationField(t, err, "items[0].product_id")

	var count int64
	require.NoError(t, env.db.Model(&models.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}

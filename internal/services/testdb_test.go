package services

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"patisserie/server/internal/models"
)

// newTestDB - чистая in-memory база с мигрированными таблицами
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Одно соединение: каждая in-memory база живет в своем соединении
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, models.AutoMigrate(db))
	return db
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

type testEnv struct {
	db      *gorm.DB
	ledger  *LedgerService
	costs   *RecipeCostService
	stock   *StockService
	recipes *RecipeService
	orders  *OrderService
}

func newTestEnv(t *testing.T, policy CostingPolicy) *testEnv {
	t.Helper()
	db := newTestDB(t)
	retry := testRetryPolicy()
	ledger := NewLedgerService(db, retry)
	costs := NewRecipeCostService(db, policy)
	stock := NewStockService(db, ledger, retry)
	return &testEnv{
		db:      db,
		ledger:  ledger,
		costs:   costs,
		stock:   stock,
		recipes: NewRecipeService(db, costs),
		orders:  NewOrderService(db, ledger, costs, stock, retry),
	}
}

func (e *testEnv) createProduct(t *testing.T, name, kind, unit, cost string) *models.Product {
	t.Helper()
	p := &models.Product{
		Name:      name,
		Kind:      kind,
		Unit:      unit,
		CostPrice: decimal.RequireFromString(cost),
	}
	require.NoError(t, e.stock.CreateProduct(context.Background(), p))
	return p
}

func (e *testEnv) reloadProduct(t *testing.T, id string) *models.Product {
	t.Helper()
	p, err := e.stock.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p
}

// seed кладет остаток в зону по себестоимости продукта
func (e *testEnv) seed(t *testing.T, p *models.Product, loc models.Location, qty float64) {
	t.Helper()
	_, err := e.ledger.ApplyMovement(context.Background(), MovementRequest{
		ProductID:     p.ID,
		Location:      loc,
		QuantityDelta: qty,
		MovementType:  models.MovementAdjustment,
		Notes:         "seed",
	})
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

// requireInvariants: сумма value по зонам равна total_stock_value, value и deficit >= 0
func requireInvariants(t *testing.T, p *models.Product) {
	t.Helper()
	value := decimal.Zero
	deficit := decimal.Zero
	for _, loc := range models.Locations {
		s := p.Stock(loc)
		require.False(t, s.Value.IsNegative(), "value < 0 в %s", loc)
		require.False(t, s.Deficit.IsNegative(), "deficit < 0 в %s", loc)
		value = value.Add(s.Value)
		deficit = deficit.Add(s.Deficit)
	}
	require.True(t, value.Equal(p.TotalStockValue), "total_stock_value %s != Σ %s", p.TotalStockValue, value)
	require.True(t, deficit.Equal(p.ValueDeficitTotal), "value_deficit_total %s != Σ %s", p.ValueDeficitTotal, deficit)
}

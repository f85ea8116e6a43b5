package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patisserie/server/internal/models"
)

func stockedProduct(cost string, loc models.Location, qty float64, value string) *models.Product {
	p := &models.Product{ID: "p-1", Name: "Croissant", Kind: models.ProductKindFinished, Unit: "pcs", CostPrice: dec(cost)}
	s := p.Stock(loc)
	s.Quantity = qty
	s.Value = dec(value)
	p.RecomputeTotals()
	return p
}

func TestApplyMovement_SellFromEmptyCreatesDeficit(t *testing.T) {
	p := stockedProduct("10", models.LocationCounter, 0, "0")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	res, ok := ApplyMovement(p, models.LocationCounter, -5, nil, now)
	require.True(t, ok)

	assert.Equal(t, -5.0, p.Counter.Quantity)
	requireDecimal(t, "0", p.Counter.Value)
	requireDecimal(t, "50", p.Counter.Deficit)
	requireDecimal(t, "50", p.ValueDeficitTotal)
	requireDecimal(t, "50", res.DeficitDelta)
	requireDecimal(t, "0", res.ValueDelta)
	require.NotNil(t, p.LastStockUpdate)
	assert.True(t, now.Equal(*p.LastStockUpdate))
	requireInvariants(t, p)

	// Приход 8 по 10: 50 гасят дефицит, 30 идут в стоимость
	res, ok = ApplyMovement(p, models.LocationCounter, 8, nil, now)
	require.True(t, ok)

	assert.Equal(t, 3.0, p.Counter.Quantity)
	requireDecimal(t, "30", p.Counter.Value)
	requireDecimal(t, "0", p.Counter.Deficit)
	requireDecimal(t, "30", p.TotalStockValue)
	requireDecimal(t, "-50", res.DeficitDelta)
	requireDecimal(t, "30", res.ValueDelta)
	requireInvariants(t, p)
}

func TestApplyMovement_DeficitRepayment(t *testing.T) {
	p := stockedProduct("10", models.LocationLabReserve, 2, "20")

	_, ok := ApplyMovement(p, models.LocationLabReserve, -5, nil, time.Now())
	require.True(t, ok)
	requireDecimal(t, "0", p.LabReserve.Value)
	requireDecimal(t, "30", p.LabReserve.Deficit)
	assert.Equal(t, -3.0, p.LabReserve.Quantity)

	valueBefore := p.LabReserve.Value
	_, ok = ApplyMovement(p, models.LocationLabReserve, 10, nil, time.Now())
	require.True(t, ok)

	requireDecimal(t, "0", p.LabReserve.Deficit)
	// value += V - D = 100 - 30
	requireDecimal(t, valueBefore.Add(dec("70")).String(), p.LabReserve.Value)
	assert.Equal(t, 7.0, p.LabReserve.Quantity)
	requireInvariants(t, p)
}

func TestApplyMovement_PartialRepaymentKeepsValueAtZero(t *testing.T) {
	p := stockedProduct("4", models.LocationCounter, -10, "0")
	p.Counter.Deficit = dec("40")
	p.RecomputeTotals()

	_, ok := ApplyMovement(p, models.LocationCounter, 5, nil, time.Now())
	require.True(t, ok)

	requireDecimal(t, "20", p.Counter.Deficit)
	requireDecimal(t, "0", p.Counter.Value)
	assert.Equal(t, -5.0, p.Counter.Quantity)
	requireInvariants(t, p)
}

func TestApplyMovement_RoundTrip(t *testing.T) {
	p := stockedProduct("10", models.LocationLabLocal, 4, "40")
	override := dec("12.5")

	_, ok := ApplyMovement(p, models.LocationLabLocal, 3, &override, time.Now())
	require.True(t, ok)
	requireDecimal(t, "77.5", p.LabLocal.Value)

	_, ok = ApplyMovement(p, models.LocationLabLocal, -3, &override, time.Now())
	require.True(t, ok)

	assert.InDelta(t, 4.0, p.LabLocal.Quantity, 0.0001)
	assert.InDelta(t, 40.0, p.LabLocal.Value.InexactFloat64(), 0.0001)
	requireDecimal(t, "0", p.LabLocal.Deficit)
	requireInvariants(t, p)
}

func TestApplyMovement_RemovalCappedByValue(t *testing.T) {
	p := stockedProduct("3", models.LocationCounter, 10, "20")

	res, ok := ApplyMovement(p, models.LocationCounter, -10, nil, time.Now())
	require.True(t, ok)

	requireDecimal(t, "0", p.Counter.Value)
	requireDecimal(t, "0", p.Counter.Deficit)
	requireDecimal(t, "-20", res.ValueDelta)
	assert.Equal(t, 0.0, p.Counter.Quantity)
	requireInvariants(t, p)
}

func TestApplyMovement_UnknownLocationRejected(t *testing.T) {
	p := stockedProduct("10", models.LocationCounter, 5, "50")
	before := *p

	for _, loc := range []models.Location{models.LocationUnknown, models.Location(42)} {
		res, ok := ApplyMovement(p, loc, -1, nil, time.Now())
		assert.False(t, ok)
		assert.Empty(t, res.ProductID)
	}
	assert.Equal(t, before.Counter, p.Counter)
	assert.Nil(t, p.LastStockUpdate)
}

func TestApplyMovement_NegativeOverrideClampedToZero(t *testing.T) {
	p := stockedProduct("10", models.LocationCounter, 0, "0")
	override := dec("-3")

	res, ok := ApplyMovement(p, models.LocationCounter, 4, &override, time.Now())
	require.True(t, ok)

	requireDecimal(t, "0", res.UnitCost)
	requireDecimal(t, "0", p.Counter.Value)
	assert.Equal(t, 4.0, p.Counter.Quantity)
}

func TestApplyMovement_RoundsToFourPlaces(t *testing.T) {
	p := stockedProduct("0.33335", models.LocationCounter, 0, "0")

	res, ok := ApplyMovement(p, models.LocationCounter, 3, nil, time.Now())
	require.True(t, ok)

	requireDecimal(t, "0.3334", res.UnitCost)
	requireDecimal(t, "1.0002", p.Counter.Value)
}

func TestApplyMovement_InvariantsAcrossSequence(t *testing.T) {
	p := stockedProduct("2.5", models.LocationCounter, 0, "0")
	deltas := []float64{10, -4, -9, 3, 12.5, -0.5, -20, 30}
	locs := []models.Location{models.LocationCounter, models.LocationConsumables}

	for i, d := range deltas {
		_, ok := ApplyMovement(p, locs[i%len(locs)], d, nil, time.Now())
		require.True(t, ok)
		requireInvariants(t, p)
	}
}

func TestBlendedCostPrice(t *testing.T) {
	p := stockedProduct("10", models.LocationCounter, 4, "46")
	p.LabReserve.Quantity = 1
	p.LabReserve.Value = dec("9")
	p.RecomputeTotals()

	cost, ok := BlendedCostPrice(p)
	require.True(t, ok)
	requireDecimal(t, "11", cost)

	p.Counter.Quantity = -5
	cost, ok = BlendedCostPrice(p)
	assert.False(t, ok)
	requireDecimal(t, "10", cost)
}

func TestApplyIncomingValue_BooksExactAmount(t *testing.T) {
	p := stockedProduct("10", models.LocationCounter, -1, "0")
	p.Counter.Deficit = dec("5")
	p.RecomputeTotals()

	// 10.001 не делится на 3 без остатка: в зону идет сумма, а не 3 * 3.3337
	res, ok := ApplyIncomingValue(p, models.LocationCounter, 3, dec("10.001"), time.Now())
	require.True(t, ok)

	assert.Equal(t, 2.0, p.Counter.Quantity)
	requireDecimal(t, "0", p.Counter.Deficit)
	requireDecimal(t, "5.001", p.Counter.Value)
	requireDecimal(t, "5.001", res.ValueDelta)
	requireDecimal(t, "-5", res.DeficitDelta)
	requireDecimal(t, "3.3337", res.UnitCost)
	requireInvariants(t, p)

	_, ok = ApplyIncomingValue(p, models.LocationCounter, 0, dec("1"), time.Now())
	assert.False(t, ok)
	_, ok = ApplyIncomingValue(p, models.Location(9), 1, dec("1"), time.Now())
	assert.False(t, ok)
}

func TestLedgerService_ApplyMovementPersists(t *testing.T) {
	env := newTestEnv(t, CostingLive)
	ctx := context.Background()
	flour := env.createProduct(t, "Flour", models.ProductKindIngredient, "g", "0.08")

	res, err := env.ledger.ApplyMovement(ctx, MovementRequest{
		ProductID:     flour.ID,
		Location:      models.LocationLabReserve,
		QuantityDelta: 5000,
		MovementType:  models.MovementPurchase,
	})
	require.NoError(t, err)
	requireDecimal(t, "400", res.After.Value)

	stored := env.reloadProduct(t, flour.ID)
	assert.Equal(t, 5000.0, stored.LabReserve.Quantity)
	requireDecimal(t, "400", stored.LabReserve.Value)
	requireDecimal(t, "400", stored.TotalStockValue)
	assert.Equal(t, int64(2), stored.Version)
	requireInvariants(t, stored)

	movements, err := env.stock.GetMovements(ctx, flour.ID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, models.LocationLabReserve, movements[0].Location)
	assert.Equal(t, models.MovementPurchase, movements[0].MovementType)
	requireDecimal(t, "400", movements[0].ValueDelta)
}

func TestLedgerService_RejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, CostingLive)
	ctx := context.Background()
	flour := env.createProduct(t, "Flour", models.ProductKindIngredient, "g", "0.08")

	_, err := env.ledger.ApplyMovement(ctx, MovementRequest{ProductID: flour.ID, Location: models.Location(9), QuantityDelta: 1})
	var validation *ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "location", validation.Field)

	_, err = env.ledger.ApplyMovement(ctx, MovementRequest{ProductID: "missing", Location: models.LocationCounter, QuantityDelta: 1})
	assert.True(t, errors.Is(err, ErrNotFound))

	value := dec("5")
	_, err = env.ledger.ApplyMovement(ctx, MovementRequest{ProductID: flour.ID, Location: models.LocationCounter, QuantityDelta: -1, Value: &value})
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "value", validation.Field)

	stored := env.reloadProduct(t, flour.ID)
	assert.Equal(t, int64(1), stored.Version)
}

func TestSaveProductInTx_StaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t, CostingLive)
	flour := env.createProduct(t, "Flour", models.ProductKindIngredient, "g", "0.08")

	stale := env.reloadProduct(t, flour.ID)
	env.seed(t, flour, models.LocationLabReserve, 100)

	stale.LabReserve.Quantity = 1
	err := saveProductInTx(env.db, stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	stored := env.reloadProduct(t, flour.ID)
	assert.Equal(t, 100.0, stored.LabReserve.Quantity)
}

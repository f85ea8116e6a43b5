package services

import (
	"strings"

	"github.com/shopspring/decimal"
)

type unitDimension string

const (
	dimensionMass   unitDimension = "mass"
	dimensionVolume unitDimension = "volume"
)

type unitFactor struct {
	dimension unitDimension
	toBase    float64 // множитель к базовой единице (g или ml)
}

// Закрытый набор конвертаций: масса (mg, g, kg) и объем (ml, cl, l)
var unitFactors = map[string]unitFactor{
	"mg": {dimensionMass, 0.001},
	"g":  {dimensionMass, 1},
	"kg": {dimensionMass, 1000},
	"ml": {dimensionVolume, 1},
	"cl": {dimensionVolume, 10},
	"l":  {dimensionVolume, 1000},
}

var unitAliases = map[string]string{
	"gram":        "g",
	"grams":       "g",
	"gr":          "g",
	"kilogram":    "kg",
	"kilograms":   "kg",
	"milligram":   "mg",
	"milligrams":  "mg",
	"liter":       "l",
	"liters":      "l",
	"litre":       "l",
	"litres":      "l",
	"milliliter":  "ml",
	"milliliters": "ml",
	"millilitre":  "ml",
	"millilitres": "ml",
	"centiliter":  "cl",
	"centilitre":  "cl",
	"г":           "g",
	"кг":          "kg",
	"мг":          "mg",
	"л":           "l",
	"мл":          "ml",
}

// NormalizeUnit приводит обозначение единицы к каноническому виду
func NormalizeUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	if alias, ok := unitAliases[u]; ok {
		return alias
	}
	return u
}

// UnitFactor возвращает, сколько единиц to содержится в одной единице from.
// ok=false для несовместимой или неизвестной пары.
func UnitFactor(from, to string) (float64, bool) {
	from = NormalizeUnit(from)
	to = NormalizeUnit(to)
	if from == to {
		return 1, true
	}
	f, okFrom := unitFactors[from]
	t, okTo := unitFactors[to]
	if !okFrom || !okTo || f.dimension != t.dimension {
		return 0, false
	}
	return f.toBase / t.toBase, true
}

// ConvertQuantity переводит количество из единицы from в единицу to
func ConvertQuantity(qty float64, from, to string) (float64, bool) {
	factor, ok := UnitFactor(from, to)
	if !ok {
		return qty, false
	}
	return qty * factor, true
}

// ConvertUnitCost переводит цену за единицу productUnit в цену за единицу lineUnit.
// При несовместимой паре возвращает исходную цену и ok=false.
func ConvertUnitCost(cost decimal.Decimal, productUnit, lineUnit string) (decimal.Decimal, bool) {
	factor, ok := UnitFactor(lineUnit, productUnit)
	if !ok {
		return cost, false
	}
	return roundMoney(cost.Mul(decimal.NewFromFloat(factor))), true
}

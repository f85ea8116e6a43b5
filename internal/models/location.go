package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Location - одна из четырех складских зон продукта.
// Набор закрыт: любое значение вне Locations считается невалидным.
type Location uint8

const (
	LocationUnknown Location = iota
	LocationCounter          // витрина магазина (готовая продукция)
	LocationLabReserve       // резерв лаборатории (склад ингредиентов)
	LocationLabLocal         // локальный запас лаборатории
	LocationConsumables      // упаковка и расходники
)

// Locations - все зоны в фиксированном порядке
var Locations = [4]Location{LocationCounter, LocationLabReserve, LocationLabLocal, LocationConsumables}

var locationKeys = map[Location]string{
	LocationCounter:     "counter",
	LocationLabReserve:  "lab_reserve",
	LocationLabLocal:    "lab_local",
	LocationConsumables: "consumables",
}

// Старые ключи колонок из первой версии каталога
var legacyLocationKeys = map[string]Location{
	"stock_comptoir":            LocationCounter,
	"stock_ingredients_magasin": LocationLabReserve,
	"stock_ingredients_local":   LocationLabLocal,
	"stock_consommables":        LocationConsumables,
}

// ParseLocation разбирает канонический или legacy ключ зоны
func ParseLocation(key string) (Location, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	for loc, name := range locationKeys {
		if name == k {
			return loc, nil
		}
	}
	if loc, ok := legacyLocationKeys[k]; ok {
		return loc, nil
	}
	return LocationUnknown, fmt.Errorf("неизвестная зона склада: %q", key)
}

// Valid сообщает, входит ли значение в закрытый набор зон
func (l Location) Valid() bool {
	_, ok := locationKeys[l]
	return ok
}

func (l Location) String() string {
	if name, ok := locationKeys[l]; ok {
		return name
	}
	return fmt.Sprintf("location(%d)", uint8(l))
}

// Value сохраняет зону в БД как строковый ключ
func (l Location) Value() (driver.Value, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("невалидная зона склада: %d", uint8(l))
	}
	return l.String(), nil
}

// Scan читает зону из БД
func (l *Location) Scan(src interface{}) error {
	var key string
	switch v := src.(type) {
	case string:
		key = v
	case []byte:
		key = string(v)
	case nil:
		*l = LocationUnknown
		return nil
	default:
		return fmt.Errorf("неподдерживаемый тип для Location: %T", src)
	}
	loc, err := ParseLocation(key)
	if err != nil {
		return err
	}
	*l = loc
	return nil
}

func (l Location) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(l.String())
}

func (l *Location) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = LocationUnknown
		return nil
	}
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}
	loc, err := ParseLocation(key)
	if err != nil {
		return err
	}
	*l = loc
	return nil
}

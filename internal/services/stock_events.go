package services

import (
	"context"
	"time"
)

// StockEvent - уведомление об изменении остатка после коммита транзакции
type StockEvent struct {
	ProductID         string    `json:"product_id"`
	ProductName       string    `json:"product_name"`
	Location          string    `json:"location"`
	MovementType      string    `json:"movement_type"`
	QuantityDelta     float64   `json:"quantity_delta"`
	QuantityAfter     float64   `json:"quantity_after"`
	ValueAfter        string    `json:"value_after"`
	DeficitAfter      string    `json:"deficit_after"`
	TotalStockValue   string    `json:"total_stock_value"`
	CostPrice         string    `json:"cost_price"`
	SourceReferenceID string    `json:"source_reference_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// StockNotifier доставляет события наружу (Redis, Kafka, WebSocket).
// Вызывается только после коммита, ошибки доставки не влияют на остатки.
type StockNotifier interface {
	PublishStockEvents(ctx context.Context, events []StockEvent)
}

// stockEventFromResult собирает событие из результата движения
func stockEventFromResult(res *MovementResult, movementType, sourceRef string, at time.Time) StockEvent {
	event := StockEvent{
		ProductID:         res.ProductID,
		Location:          res.Location.String(),
		MovementType:      movementType,
		QuantityDelta:     res.QuantityDelta,
		QuantityAfter:     res.After.Quantity,
		ValueAfter:        res.After.Value.StringFixed(moneyPlaces),
		DeficitAfter:      res.After.Deficit.StringFixed(moneyPlaces),
		SourceReferenceID: sourceRef,
		OccurredAt:        at.UTC(),
	}
	if res.Product != nil {
		event.ProductName = res.Product.Name
		event.TotalStockValue = res.Product.TotalStockValue.StringFixed(moneyPlaces)
		event.CostPrice = res.Product.CostPrice.StringFixed(moneyPlaces)
	}
	return event
}

// eventCollector копит события внутри транзакции, отправка - после коммита
type eventCollector struct {
	events []StockEvent
}

func (c *eventCollector) add(res *MovementResult, movementType, sourceRef string) {
	c.events = append(c.events, stockEventFromResult(res, movementType, sourceRef, time.Now()))
}

func (c *eventCollector) reset() {
	c.events = c.events[:0]
}

func (c *eventCollector) flush(ctx context.Context, notifier StockNotifier) {
	if notifier == nil || len(c.events) == 0 {
		return
	}
	notifier.PublishStockEvents(ctx, c.events)
}

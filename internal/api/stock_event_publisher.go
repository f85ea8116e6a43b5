package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"patisserie/server/internal/services"
	"patisserie/server/internal/utils"
)

// StockUpdateChannel - Redis канал событий склада
const StockUpdateChannel = "stock:update"

// stockMessage - конверт сообщения для WebSocket и Redis
type stockMessage struct {
	Type string               `json:"type"`
	Data services.StockEvent `json:"data"`
}

// StockEventPublisher реализует services.StockNotifier.
// Событие уходит в Redis pub/sub и в Kafka; экраны получают его из Kafka через
// KafkaStockConsumer. Без Kafka события отправляются в хаб напрямую.
type StockEventPublisher struct {
	redisUtil *utils.RedisClient
	writer    *kafka.Writer
	hub       *StockHub
}

// NewStockEventPublisher создает издателя. redisUtil и writer могут быть nil.
func NewStockEventPublisher(hub *StockHub, redisUtil *utils.RedisClient, writer *kafka.Writer) *StockEventPublisher {
	return &StockEventPublisher{hub: hub, redisUtil: redisUtil, writer: writer}
}

// NewStockEventWriter создает асинхронный kafka.Writer для топика движений
func NewStockEventWriter(brokers []string, topic string, auth KafkaAuth) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Transport:    CreateKafkaTransport(auth),
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(messages)).Msg("❌ Kafka: ошибка отправки событий склада")
			}
		},
	}
}

// PublishStockEvents отправляет события. Ошибки доставки только логируются.
func (p *StockEventPublisher) PublishStockEvents(ctx context.Context, events []services.StockEvent) {
	var kafkaMessages []kafka.Message
	for _, event := range events {
		payload, err := json.Marshal(stockMessage{Type: "stock_update", Data: event})
		if err != nil {
			log.Error().Err(err).Str("product_id", event.ProductID).Msg("❌ Не удалось сериализовать событие склада")
			continue
		}

		if p.redisUtil != nil {
			if err := p.redisUtil.Publish(StockUpdateChannel, string(payload)); err != nil {
				log.Warn().Err(err).Msg("⚠️ Не удалось опубликовать событие в Redis")
			}
		}

		if p.writer == nil {
			if p.hub != nil {
				p.hub.BroadcastMessage(payload)
			}
			continue
		}

		value, err := encodeStockEvent(event)
		if err != nil {
			log.Error().Err(err).Str("product_id", event.ProductID).Msg("❌ Не удалось закодировать событие для Kafka")
			continue
		}
		kafkaMessages = append(kafkaMessages, kafka.Message{
			Key:   []byte(event.ProductID),
			Value: value,
		})
	}

	if p.writer != nil && len(kafkaMessages) > 0 {
		if err := p.writer.WriteMessages(ctx, kafkaMessages...); err != nil {
			log.Error().Err(err).Int("messages", len(kafkaMessages)).Msg("❌ Kafka: ошибка записи событий склада")
		}
	}
}

// Close сбрасывает буфер writer
func (p *StockEventPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// encodeStockEvent кодирует событие в protobuf Struct
func encodeStockEvent(event services.StockEvent) ([]byte, error) {
	fields := map[string]interface{}{
		"product_id":        event.ProductID,
		"product_name":      event.ProductName,
		"location":          event.Location,
		"movement_type":     event.MovementType,
		"quantity_delta":    event.QuantityDelta,
		"quantity_after":    event.QuantityAfter,
		"value_after":       event.ValueAfter,
		"deficit_after":     event.DeficitAfter,
		"total_stock_value": event.TotalStockValue,
		"cost_price":        event.CostPrice,
		"occurred_at":       event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if event.SourceReferenceID != "" {
		fields["source_reference_id"] = event.SourceReferenceID
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("structpb: %w", err)
	}
	return proto.Marshal(st)
}

// decodeStockEvent обратная операция для consumer
func decodeStockEvent(data []byte) (services.StockEvent, error) {
	var event services.StockEvent
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return event, err
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return event, err
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return event, err
	}
	if event.ProductID == "" {
		return event, fmt.Errorf("событие без product_id")
	}
	return event, nil
}

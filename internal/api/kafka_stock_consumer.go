package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaStockConsumer читает события склада из Kafka и отправляет их в WebSocket
type KafkaStockConsumer struct {
	topic     string
	groupID   string
	reader    *kafka.Reader
	hub       *StockHub
	ctx       context.Context
	cancel    context.CancelFunc
	processed int64
	lastLog   int64
}

// NewKafkaStockConsumer создает consumer. Каждый экземпляр сервера читает все события,
// поэтому groupID включает имя экземпляра.
func NewKafkaStockConsumer(brokers []string, topic, instance string, auth KafkaAuth, hub *StockHub) *KafkaStockConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	groupID := "stock-ws-" + instance

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		Dialer:      CreateKafkaDialer(auth),
	})

	return &KafkaStockConsumer{
		topic:   topic,
		groupID: groupID,
		reader:  reader,
		hub:     hub,
		ctx:     ctx,
		cancel:  cancel,
		lastLog: time.Now().Unix(),
	}
}

// Start запускает чтение в отдельной горутине
func (kc *KafkaStockConsumer) Start() {
	log.Info().Str("topic", kc.topic).Str("group_id", kc.groupID).Msg("📡 Kafka Stock Consumer запущен")

	go func() {
		for {
			msg, err := kc.reader.ReadMessage(kc.ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || kc.ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("⚠️ Kafka Stock Consumer ошибка чтения")
				time.Sleep(time.Second)
				continue
			}
			kc.handle(msg.Value)
		}
	}()
}

func (kc *KafkaStockConsumer) handle(value []byte) {
	event, err := decodeStockEvent(value)
	if err != nil {
		log.Debug().Err(err).Msg("Kafka Stock Consumer: сообщение пропущено")
		return
	}
	payload, err := json.Marshal(stockMessage{Type: "stock_update", Data: event})
	if err != nil {
		return
	}
	kc.hub.BroadcastMessage(payload)

	// Прогресс раз в 5 секунд
	processed := atomic.AddInt64(&kc.processed, 1)
	now := time.Now().Unix()
	if now-atomic.LoadInt64(&kc.lastLog) >= 5 {
		atomic.StoreInt64(&kc.lastLog, now)
		log.Info().Int64("processed", processed).Msg("📊 Kafka Stock Consumer: обработано событий")
	}
}

// Stop останавливает consumer
func (kc *KafkaStockConsumer) Stop() {
	kc.cancel()
	if kc.reader != nil {
		if err := kc.reader.Close(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Kafka reader закрыт с ошибкой")
		}
	}
	log.Info().Msg("🛑 Kafka Stock Consumer остановлен")
}

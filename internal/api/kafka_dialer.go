package api

import (
	"crypto/tls"
	"crypto/x509"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// KafkaAuth - учетные данные управляемого Kafka (SASL/PLAIN поверх TLS)
type KafkaAuth struct {
	Username string
	Password string
	CACert   string
}

func (a KafkaAuth) sasl() bool {
	return a.Username != "" && a.Password != ""
}

// tlsConfig возвращает nil, если TLS не нужен. SASL всегда идет поверх TLS;
// без CA сертификата используются системные.
func (a KafkaAuth) tlsConfig() *tls.Config {
	if !a.sasl() && a.CACert == "" {
		return nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if a.CACert != "" {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM([]byte(a.CACert)) {
			cfg.RootCAs = pool
		} else {
			log.Warn().Msg("⚠️ Kafka: не удалось распарсить CA сертификат, используем системные сертификаты")
		}
	}
	return cfg
}

// CreateKafkaDialer создает dialer для Kafka reader
func CreateKafkaDialer(auth KafkaAuth) *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       auth.tlsConfig(),
	}
	if auth.sasl() {
		dialer.SASLMechanism = plain.Mechanism{Username: auth.Username, Password: auth.Password}
		log.Info().Str("username", auth.Username).Msg("🔐 Kafka: SASL/PLAIN аутентификация включена")
	}
	return dialer
}

// CreateKafkaTransport создает transport для kafka.Writer с теми же настройками
func CreateKafkaTransport(auth KafkaAuth) *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         auth.tlsConfig(),
	}
	if auth.sasl() {
		transport.SASL = plain.Mechanism{Username: auth.Username, Password: auth.Password}
	}
	return transport
}

// ParseKafkaBrokers парсит строку с брокерами через запятую
func ParseKafkaBrokers(brokers string) []string {
	var result []string
	for _, broker := range strings.Split(strings.ReplaceAll(brokers, " ", ""), ",") {
		if broker != "" {
			result = append(result, broker)
		}
	}
	return result
}

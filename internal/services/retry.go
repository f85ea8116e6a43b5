package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// RetryPolicy - повтор единицы работы при конфликте версий или serialization failure
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy - 5 попыток, экспоненциальная задержка от 10ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}
}

// Run выполняет fn, повторяя ее только для retryable ошибок.
// Остальные ошибки возвращаются сразу.
func (p RetryPolicy) Run(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			if attempt > 0 {
				log.Info().Str("op", op).Int("attempts", attempt+1).Msg("✅ Успешно после повторов")
			}
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		// Exponential backoff with jitter
		delay := p.BaseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Intn(10)) * time.Millisecond
		totalDelay := delay + jitter
		log.Warn().Err(err).Str("op", op).
			Msgf("⚠️ Конфликт записи (попытка %d/%d), retry через %v", attempt+1, attempts, totalDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(totalDelay):
		}
	}
	return fmt.Errorf("%s: не удалось после %d попыток: %w", op, attempts, err)
}

// Transaction выполняет fn в транзакции db под политикой повторов
func (p RetryPolicy) Transaction(ctx context.Context, db *gorm.DB, op string, fn func(tx *gorm.DB) error) error {
	return p.Run(ctx, op, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}

func isRetryableError(err error) bool {
	return errors.Is(err, ErrVersionConflict) || isSerializationFailure(err)
}

// isSerializationFailure проверяет, является ли ошибка serialization failure
func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}

	// PostgreSQL error codes:
	// 40001 - serialization_failure
	// 40P01 - deadlock_detected
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "could not serialize") ||
		strings.Contains(errMsg, "deadlock detected")
}

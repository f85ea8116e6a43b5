package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound - запись не найдена
	ErrNotFound = errors.New("запись не найдена")
	// ErrVersionConflict - продукт изменен параллельной транзакцией (CAS по version не прошел)
	ErrVersionConflict = errors.New("конфликт версий продукта")
)

// GenericFailureMessage показывается пользователю при любой ошибке записи
const GenericFailureMessage = "операция не выполнена, повторите попытку"

// ValidationError - входные данные отклонены до любой мутации
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionGuardError - статус заказа не позволяет выполнить переход
type TransitionGuardError struct {
	OrderID string
	Action  string
	From    string
	Want    []string
}

func (e *TransitionGuardError) Error() string {
	return fmt.Sprintf("переход %s недоступен для заказа %s в статусе %s (ожидается %v)",
		e.Action, e.OrderID, e.From, e.Want)
}

// PersistenceFailure - ошибка БД на границе транзакции, все изменения откатены
type PersistenceFailure struct {
	Op  string
	Err error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceFailure) Unwrap() error {
	return e.Err
}

// SoftDataIssue - проблема качества данных, не прерывающая расчет
type SoftDataIssue struct {
	ProductID string `json:"product_id"`
	Message   string `json:"message"`
}

func (i SoftDataIssue) String() string {
	return fmt.Sprintf("%s: %s", i.ProductID, i.Message)
}

// UserMessage возвращает текст для пользователя: для ошибок записи всегда общий
func UserMessage(err error) string {
	var validation *ValidationError
	var guard *TransitionGuardError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation), errors.As(err, &guard), errors.Is(err, ErrNotFound):
		return err.Error()
	default:
		return GenericFailureMessage
	}
}

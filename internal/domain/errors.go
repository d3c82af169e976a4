package domain

import (
	"errors"
	"fmt"
)

// Базовые классы ошибок. Конкретные ошибки оборачивают их, чтобы вызывающий код
// мог различать категорию через errors.Is.
var (
	// ErrNotFound — запрошенная запчасть или ресурс не существует.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput — неположительное количество, некорректный интервал и т.п.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSchedulingConflict — интервал пересекается с рейсом, занимающим ресурс.
	ErrSchedulingConflict = errors.New("scheduling conflict")
	// ErrInsufficientStock — запрошено больше, чем доступно.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNegativeStockGuard — операция увела бы остаток ниже нуля.
	ErrNegativeStockGuard = errors.New("negative stock guard")
	// ErrDuplicateOperation — сработала защита от повторной операции.
	ErrDuplicateOperation = errors.New("duplicate operation")
)

var (
	// ErrPartNotFound возвращается, если запчасти нет в хранилище.
	ErrPartNotFound = fmt.Errorf("spare part %w", ErrNotFound)
	// ErrResourceNotFound возвращается, если транспорт или водитель не найден.
	ErrResourceNotFound = fmt.Errorf("resource %w", ErrNotFound)
	// ErrReservationNotFound возвращается для неизвестного идентификатора резерва.
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)
	// ErrAuditEntryNotFound возвращается, если запись журнала не найдена.
	ErrAuditEntryNotFound = fmt.Errorf("audit entry %w", ErrNotFound)
	// ErrQuantityInvalid — количество должно быть больше нуля.
	ErrQuantityInvalid = fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidInput)
	// ErrQuantityScale — в количестве больше знаков после запятой, чем хранят хранилища.
	ErrQuantityScale = fmt.Errorf("%w: quantity has more than %d decimal places", ErrInvalidInput, QuantityScale)
	// ErrIntervalInvalid — конец интервала раньше начала.
	ErrIntervalInvalid = fmt.Errorf("%w: interval end is before start", ErrInvalidInput)
	// ErrPartIDRequired — не передан идентификатор запчасти.
	ErrPartIDRequired = fmt.Errorf("%w: part_id is required", ErrInvalidInput)
	// ErrActorRequired — не передан идентификатор инициатора операции.
	ErrActorRequired = fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	// ErrReferenceInvalid — ссылка на источник изменения не заполнена или неизвестного вида.
	ErrReferenceInvalid = fmt.Errorf("%w: reference is invalid", ErrInvalidInput)
	// ErrResourceKindInvalid — неизвестный вид ресурса.
	ErrResourceKindInvalid = fmt.Errorf("%w: resource kind is invalid", ErrInvalidInput)
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsNotFound проверяет, относится ли ошибка к классу NotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput проверяет, относится ли ошибка к классу InvalidInput.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNegativeStock проверяет срабатывание защиты от отрицательного остатка.
func IsNegativeStock(err error) bool {
	return errors.Is(err, ErrNegativeStockGuard)
}

// IsDuplicate проверяет срабатывание защиты от повторов.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateOperation)
}

// ErrorKind возвращает короткую метку класса ошибки для метрик и логов.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrSchedulingConflict):
		return "scheduling_conflict"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrNegativeStockGuard):
		return "negative_stock_guard"
	case errors.Is(err, ErrDuplicateOperation):
		return "duplicate_operation"
	default:
		return "internal"
	}
}

package domain

import "github.com/shopspring/decimal"

// ValidationResult — итог проверки. Ожидаемые отказы (нет запчасти, конфликт,
// нехватка) передаются здесь, а не через error.
type ValidationResult struct {
	Valid       bool
	Errors      []string
	Warnings    []string
	Suggestions []string
}

// NewValidationResult возвращает успешный результат без замечаний.
func NewValidationResult() ValidationResult {
	return ValidationResult{Valid: true}
}

// AddError добавляет ошибку и помечает результат как неуспешный.
func (r *ValidationResult) AddError(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

// AddWarning добавляет предупреждение, не влияя на Valid.
func (r *ValidationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// AddSuggestion добавляет рекомендацию. Рекомендации никогда не применяются автоматически.
func (r *ValidationResult) AddSuggestion(msg string) {
	r.Suggestions = append(r.Suggestions, msg)
}

// Merge объединяет два результата; итог успешен, только если успешны оба.
func (r ValidationResult) Merge(other ValidationResult) ValidationResult {
	out := ValidationResult{Valid: r.Valid && other.Valid}
	out.Errors = append(append(out.Errors, r.Errors...), other.Errors...)
	out.Warnings = append(append(out.Warnings, r.Warnings...), other.Warnings...)
	out.Suggestions = append(append(out.Suggestions, r.Suggestions...), other.Suggestions...)
	return out
}

// ReservedLine — успешно удержанная строка.
type ReservedLine struct {
	PartID string
	Qty    decimal.Decimal
}

// FailedLine — строка, которую не удалось удержать, с причиной.
type FailedLine struct {
	PartID    string
	Qty       decimal.Decimal
	Available decimal.Decimal
	Reason    string
}

// ReservationResult — итог резервирования. Частичный успех допустим:
// ReservedItems и FailedItems могут быть непустыми одновременно.
type ReservationResult struct {
	Success       bool
	ReservationID string
	ReservedItems []ReservedLine
	FailedItems   []FailedLine
}

// Partial сообщает, что часть строк удержана, а часть нет.
func (r ReservationResult) Partial() bool {
	return len(r.ReservedItems) > 0 && len(r.FailedItems) > 0
}

package stock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// Validator считает доступный остаток и проверяет запрошенное списание.
type Validator struct {
	parts        domain.PartRepository
	reservations domain.ReservationStore
	opts         options
}

// NewValidator создаёт валидатор остатков.
func NewValidator(parts domain.PartRepository, reservations domain.ReservationStore, opts ...Option) *Validator {
	return &Validator{
		parts:        parts,
		reservations: reservations,
		opts:         buildOptions("stock-validator", opts),
	}
}

// Available возвращает физический остаток за вычетом активных резервов.
func (v *Validator) Available(ctx context.Context, partID string) (decimal.Decimal, error) {
	part, err := v.parts.GetPart(ctx, strings.TrimSpace(partID))
	if err != nil {
		return decimal.Zero, err
	}
	return v.available(ctx, part)
}

func (v *Validator) available(ctx context.Context, part domain.SparePart) (decimal.Decimal, error) {
	reserved, err := v.reservations.ReservedQuantity(ctx, part.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reserved quantity for %s: %w", part.ID, err)
	}

	available := part.Stock.Sub(reserved)
	if available.IsNegative() {
		// Остаток уменьшили мимо резерва (например, ручным списанием).
		v.opts.logger.WithFields(log.Fields{
			"part_id":  part.ID,
			"stock":    part.Stock.String(),
			"reserved": reserved.String(),
		}).Warn("reservations exceed physical stock")
		return decimal.Zero, nil
	}
	return available, nil
}

// Validate проверяет, можно ли взять qty единиц запчасти. Отказы возвращаются
// в ValidationResult, error означает сбой хранилища.
func (v *Validator) Validate(ctx context.Context, partID string, qty decimal.Decimal) (domain.ValidationResult, error) {
	started := time.Now()
	defer func() { v.opts.metrics.RecordDuration("validate_stock", time.Since(started)) }()

	result := domain.NewValidationResult()
	partID = strings.TrimSpace(partID)

	if !qty.IsPositive() {
		result.AddError(fmt.Sprintf("Requested quantity must be greater than zero, got %s", qty.String()))
	} else if domain.CheckQuantityScale(qty) != nil {
		result.AddError(fmt.Sprintf("Requested quantity %s has more than %d decimal places", qty.String(), domain.QuantityScale))
	}

	part, err := v.parts.GetPart(ctx, partID)
	if err != nil {
		if !domain.IsNotFound(err) {
			return domain.ValidationResult{}, fmt.Errorf("get part %s: %w", partID, err)
		}
		result.AddError(fmt.Sprintf("Spare part %s not found", partID))
	}
	if !result.Valid {
		v.opts.metrics.RecordValidation("stock", false)
		return result, nil
	}

	available, err := v.available(ctx, part)
	if err != nil {
		return domain.ValidationResult{}, err
	}

	if available.LessThan(qty) {
		result.AddError(fmt.Sprintf("Insufficient stock for %s: available %s, requested %s",
			partLabel(part), available.String(), qty.String()))
		if available.IsPositive() {
			result.AddSuggestion(fmt.Sprintf("Reduce the requested quantity to %s units", available.String()))
		}
		if err := v.suggestAlternatives(ctx, part, &result); err != nil {
			return domain.ValidationResult{}, err
		}
		result.AddSuggestion(fmt.Sprintf("Create a restock request for %s", partLabel(part)))
		v.opts.metrics.RecordValidation("stock", false)
		return result, nil
	}

	remaining := available.Sub(qty)
	if remaining.LessThanOrEqual(v.opts.lowStockThreshold) {
		result.AddWarning(fmt.Sprintf("Low stock for %s: %s units will remain after this request",
			partLabel(part), remaining.String()))
	}

	v.opts.metrics.RecordValidation("stock", true)
	return result, nil
}

// suggestAlternatives предлагает до limit запчастей того же бренда или со схожим
// названием, у которых есть доступный остаток.
func (v *Validator) suggestAlternatives(ctx context.Context, part domain.SparePart, result *domain.ValidationResult) error {
	catalog, err := v.parts.ListParts(ctx)
	if err != nil {
		return fmt.Errorf("list parts: %w", err)
	}

	found := 0
	for _, candidate := range catalog {
		if found >= v.opts.alternativesLimit {
			break
		}
		if !candidate.InStock() || !part.SimilarTo(candidate) {
			continue
		}
		available, err := v.available(ctx, candidate)
		if err != nil {
			return err
		}
		if !available.IsPositive() {
			continue
		}
		result.AddSuggestion(fmt.Sprintf("Alternative part %s (%s): %s units available",
			candidate.ID, partLabel(candidate), available.String()))
		found++
	}
	return nil
}

func partLabel(p domain.SparePart) string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = p.ID
	}
	if brand := strings.TrimSpace(p.Brand); brand != "" {
		return name + " by " + brand
	}
	return name
}

package domain

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// QuantityScale — число знаков после запятой в остатках и количествах.
// Колонки NUMERIC(18, 3) и целые тысячные в Redis хранят ровно столько.
const QuantityScale = 3

// ValidateQuantity принимает только положительное количество с точностью до QuantityScale.
func ValidateQuantity(q decimal.Decimal) error {
	if !q.IsPositive() {
		return ErrQuantityInvalid
	}
	return CheckQuantityScale(q)
}

// CheckQuantityScale отклоняет количество, которое хранилище округлило бы.
func CheckQuantityScale(q decimal.Decimal) error {
	if !q.Equal(q.Truncate(QuantityScale)) {
		return fmt.Errorf("%w: %s", ErrQuantityScale, q.String())
	}
	return nil
}

// minKeywordLen отсекает предлоги и короткие обозначения при сравнении названий.
const minKeywordLen = 3

// SparePart — запчасть на складе. Stock меняется только через журнал остатков.
type SparePart struct {
	ID       string
	Name     string
	Brand    string
	Stock    decimal.Decimal
	UnitCost decimal.Decimal
}

// Keywords возвращает слова названия в нижнем регистре без повторов.
func (p SparePart) Keywords() []string {
	fields := strings.FieldsFunc(strings.ToLower(p.Name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minKeywordLen {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// SimilarTo сообщает, может ли запчасть заменить другую: тот же бренд
// или общее слово в названии.
func (p SparePart) SimilarTo(other SparePart) bool {
	if p.ID == other.ID {
		return false
	}
	if p.Brand != "" && strings.EqualFold(strings.TrimSpace(p.Brand), strings.TrimSpace(other.Brand)) {
		return true
	}
	words := make(map[string]struct{})
	for _, w := range p.Keywords() {
		words[w] = struct{}{}
	}
	for _, w := range other.Keywords() {
		if _, ok := words[w]; ok {
			return true
		}
	}
	return false
}

// InStock сообщает, есть ли запчасть физически на складе.
func (p SparePart) InStock() bool {
	return p.Stock.IsPositive()
}

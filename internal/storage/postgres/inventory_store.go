package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// InventoryStore хранит карточки запчастей и журнал остатков в PostgreSQL.
type InventoryStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewInventoryStore создаёт PostgreSQL-реализацию склада и журнала.
func NewInventoryStore(store *Store) *InventoryStore {
	return &InventoryStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// AddPart заводит карточку запчасти. Остаток дальше меняется только через журнал.
func (s *InventoryStore) AddPart(ctx context.Context, part domain.SparePart) error {
	part.ID = strings.TrimSpace(part.ID)
	if part.ID == "" {
		return domain.ErrPartIDRequired
	}
	if part.Stock.IsNegative() {
		return domain.ErrQuantityInvalid
	}
	if err := domain.CheckQuantityScale(part.Stock); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spare_parts (id, name, brand, stock, unit_cost, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, part.ID, part.Name, part.Brand, part.Stock, part.UnitCost, s.now())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: spare part %s already exists", domain.ErrInvalidInput, part.ID)
		}
		return fmt.Errorf("insert spare part %s: %w", part.ID, err)
	}
	return nil
}

func (s *InventoryStore) GetPart(ctx context.Context, id string) (domain.SparePart, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var part domain.SparePart
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, brand, stock, unit_cost
		FROM spare_parts
		WHERE id = $1
	`, strings.TrimSpace(id)).Scan(&part.ID, &part.Name, &part.Brand, &part.Stock, &part.UnitCost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SparePart{}, domain.ErrPartNotFound
		}
		return domain.SparePart{}, fmt.Errorf("get spare part %s: %w", id, err)
	}
	return part, nil
}

func (s *InventoryStore) ListParts(ctx context.Context) ([]domain.SparePart, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, brand, stock, unit_cost
		FROM spare_parts
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list spare parts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SparePart, 0)
	for rows.Next() {
		var part domain.SparePart
		if err := rows.Scan(&part.ID, &part.Name, &part.Brand, &part.Stock, &part.UnitCost); err != nil {
			return nil, fmt.Errorf("scan spare part: %w", err)
		}
		out = append(out, part)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spare parts: %w", err)
	}
	return out, nil
}

// ApplyMutation в одной транзакции занимает ключ защиты от повторов, блокирует
// строку запчасти (FOR UPDATE), меняет остаток и пишет запись журнала.
// Любой отказ откатывает транзакцию вместе с ключом.
func (s *InventoryStore) ApplyMutation(ctx context.Context, m domain.StockMutation) (domain.AuditEntry, error) {
	if err := m.Validate(); err != nil {
		return domain.AuditEntry{}, err
	}
	at := m.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var entry domain.AuditEntry
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if m.DedupWindow > 0 {
			if err := claimGuard(ctx, tx, m.Key(), at, at.Add(m.DedupWindow)); err != nil {
				return err
			}
		}

		var previous decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			SELECT stock FROM spare_parts WHERE id = $1 FOR UPDATE
		`, m.PartID).Scan(&previous)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrPartNotFound
			}
			return fmt.Errorf("lock spare part %s: %w", m.PartID, err)
		}

		newStock, delta, err := m.Apply(previous)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE spare_parts SET stock = $2, updated_at = $3 WHERE id = $1
		`, m.PartID, newStock, at); err != nil {
			return fmt.Errorf("update stock for %s: %w", m.PartID, err)
		}

		entry = domain.AuditEntry{
			ID:            uuid.NewString(),
			PartID:        m.PartID,
			ChangeType:    m.ChangeType,
			Delta:         delta,
			PreviousStock: previous,
			NewStock:      newStock,
			Reference:     m.Reference,
			ActorID:       m.ActorID,
			CreatedAt:     at,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_audit_entries (
				id, part_id, change_type, delta, previous_stock, new_stock,
				reference_kind, reference_id, actor_id, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, entry.ID, entry.PartID, string(entry.ChangeType), entry.Delta, entry.PreviousStock, entry.NewStock,
			string(entry.Reference.Kind), entry.Reference.ID, entry.ActorID, entry.CreatedAt); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AuditEntry{}, err
	}
	return entry, nil
}

// claimGuard вставляет ключ или продлевает просроченный. Живой ключ означает повтор.
// Конкурентная вставка того же ключа ждёт на первичном ключе до коммита первой.
func claimGuard(ctx context.Context, tx *sql.Tx, key domain.MutationKey, at, expiresAt time.Time) error {
	var claimed time.Time
	err := tx.QueryRowContext(ctx, `
		INSERT INTO stock_mutation_guards (part_id, reference_kind, reference_id, change_type, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (part_id, reference_kind, reference_id, change_type) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE stock_mutation_guards.expires_at <= $6
		RETURNING expires_at
	`, key.PartID, string(key.Reference.Kind), key.Reference.ID, string(key.ChangeType), expiresAt, at).Scan(&claimed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("claim mutation guard: %w", err)
	}
	return nil
}

func (s *InventoryStore) GetEntry(ctx context.Context, id string) (domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+`
		FROM stock_audit_entries
		WHERE id = $1
	`, id)
	entry, err := scanAuditEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AuditEntry{}, domain.ErrAuditEntryNotFound
		}
		return domain.AuditEntry{}, fmt.Errorf("get audit entry %s: %w", id, err)
	}
	return entry, nil
}

func (s *InventoryStore) ListEntries(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.PartID != "" {
		add("part_id = $%d", q.PartID)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From.UTC())
	}
	if !q.To.IsZero() {
		add("created_at <= $%d", q.To.UTC())
	}
	if !q.Reference.IsZero() {
		add("reference_kind = $%d", string(q.Reference.Kind))
		add("reference_id = $%d", q.Reference.ID)
	}

	query := `SELECT ` + auditColumns + ` FROM stock_audit_entries`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, seq`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// DeleteExpiredGuards удаляет ключи с expires_at <= before, не больше limit за вызов.
func (s *InventoryStore) DeleteExpiredGuards(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = s.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM stock_mutation_guards
			WHERE (part_id, reference_kind, reference_id, change_type) IN (
				SELECT part_id, reference_kind, reference_id, change_type
				FROM stock_mutation_guards
				WHERE expires_at <= $1
				ORDER BY expires_at
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM stock_mutation_guards WHERE expires_at <= $1
		`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired mutation guards: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mutation guard rows affected: %w", err)
	}
	return int(affected), nil
}

const auditColumns = `id, part_id, change_type, delta, previous_stock, new_stock,
	reference_kind, reference_id, actor_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row rowScanner) (domain.AuditEntry, error) {
	var (
		entry               domain.AuditEntry
		changeType, refKind string
	)
	if err := row.Scan(
		&entry.ID,
		&entry.PartID,
		&changeType,
		&entry.Delta,
		&entry.PreviousStock,
		&entry.NewStock,
		&refKind,
		&entry.Reference.ID,
		&entry.ActorID,
		&entry.CreatedAt,
	); err != nil {
		return domain.AuditEntry{}, err
	}
	entry.ChangeType = domain.ChangeType(changeType)
	entry.Reference.Kind = domain.ReferenceKind(refKind)
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

var (
	_ domain.PartRepository   = (*InventoryStore)(nil)
	_ domain.StockLedgerStore = (*InventoryStore)(nil)
)

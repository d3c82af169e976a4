package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/metrics"
)

// DefaultDedupWindow — окно, в котором повтор (ссылка, направление) подавляется.
const DefaultDedupWindow = 5 * time.Minute

// MutationOutcome — итог изменения остатка. Duplicate означает, что операция
// уже была применена в пределах окна и повтор ничего не изменил.
type MutationOutcome struct {
	Applied   bool
	Duplicate bool
	Entry     domain.AuditEntry
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLogger задаёт logger журнала.
func WithLogger(logger *log.Entry) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMetrics подключает метрики изменений остатков.
func WithMetrics(m *metrics.AllocationMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithOutbox включает постановку событий журнала в outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(l *Ledger) {
		l.outbox = repo
	}
}

// WithDedupWindow переопределяет окно защиты от повторов.
func WithDedupWindow(window time.Duration) Option {
	return func(l *Ledger) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger — единственный санкционированный способ изменить физический остаток.
// Каждое изменение сопровождается ровно одной записью журнала.
type Ledger struct {
	store   domain.StockLedgerStore
	outbox  domain.OutboxRepository
	logger  *log.Entry
	metrics *metrics.AllocationMetrics
	window  time.Duration
	now     func() time.Time
}

// New создаёт журнал остатков.
func New(store domain.StockLedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		window: DefaultDedupWindow,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = log.WithField("component", "stock-ledger")
	}
	return l
}

// RecordIncrease увеличивает остаток и пишет запись журнала.
func (l *Ledger) RecordIncrease(ctx context.Context, partID string, qty decimal.Decimal, ref domain.Reference, actorID string) (MutationOutcome, error) {
	return l.record(ctx, domain.ChangeIncrease, partID, qty, ref, actorID)
}

// RecordDecrease уменьшает остаток и пишет запись журнала.
// Если остатка меньше qty, возвращает ErrNegativeStockGuard без изменений.
func (l *Ledger) RecordDecrease(ctx context.Context, partID string, qty decimal.Decimal, ref domain.Reference, actorID string) (MutationOutcome, error) {
	return l.record(ctx, domain.ChangeDecrease, partID, qty, ref, actorID)
}

// Reverse сторнирует запись журнала: применяет обратное изменение на то же
// количество со ссылкой вида reversal. Сторно сторно не допускается,
// повторное сторно одной записи возвращает Duplicate.
func (l *Ledger) Reverse(ctx context.Context, entryID, actorID string) (MutationOutcome, error) {
	original, err := l.store.GetEntry(ctx, strings.TrimSpace(entryID))
	if err != nil {
		return MutationOutcome{}, err
	}
	if original.Reference.Kind == domain.ReferenceReversal {
		return MutationOutcome{}, fmt.Errorf("%w: entry %s is already a reversal", domain.ErrInvalidInput, original.ID)
	}

	ref := domain.Reference{Kind: domain.ReferenceReversal, ID: original.ID}
	previous, err := l.store.ListEntries(ctx, domain.AuditQuery{Reference: ref, Limit: 1})
	if err != nil {
		return MutationOutcome{}, fmt.Errorf("lookup reversals of %s: %w", original.ID, err)
	}
	if len(previous) > 0 {
		l.logger.WithFields(log.Fields{
			"entry_id":    original.ID,
			"reversal_id": previous[0].ID,
		}).Info("entry already reversed")
		l.metrics.RecordStockMutation(string(original.ChangeType.Opposite()), domain.ErrorKind(domain.ErrDuplicateOperation))
		return MutationOutcome{Duplicate: true, Entry: previous[0]}, nil
	}

	return l.record(ctx, original.ChangeType.Opposite(), original.PartID, original.Quantity(), ref, actorID)
}

// Entries читает журнал по фильтру.
func (l *Ledger) Entries(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return nil, domain.ErrIntervalInvalid
	}
	return l.store.ListEntries(ctx, q)
}

// UsedRecently сообщает, есть ли в журнале запись с этой ссылкой моложе окна
// защиты от повторов. Повтор такой ссылки был бы подавлен.
func (l *Ledger) UsedRecently(ctx context.Context, ref domain.Reference) (bool, error) {
	entries, err := l.store.ListEntries(ctx, domain.AuditQuery{
		From:      l.now().Add(-l.window),
		Reference: ref,
		Limit:     1,
	})
	if err != nil {
		return false, fmt.Errorf("lookup entries of %s: %w", ref, err)
	}
	return len(entries) > 0, nil
}

// Entry возвращает запись журнала по ID.
func (l *Ledger) Entry(ctx context.Context, id string) (domain.AuditEntry, error) {
	return l.store.GetEntry(ctx, id)
}

func (l *Ledger) record(ctx context.Context, change domain.ChangeType, partID string, qty decimal.Decimal, ref domain.Reference, actorID string) (MutationOutcome, error) {
	started := time.Now()
	defer func() { l.metrics.RecordDuration("record_"+string(change), time.Since(started)) }()

	m := domain.StockMutation{
		PartID:      strings.TrimSpace(partID),
		ChangeType:  change,
		Qty:         qty,
		Reference:   ref,
		ActorID:     strings.TrimSpace(actorID),
		At:          l.now(),
		DedupWindow: l.window,
	}
	if err := m.Validate(); err != nil {
		l.metrics.RecordStockMutation(string(change), domain.ErrorKind(err))
		return MutationOutcome{}, err
	}

	fields := log.Fields{
		"part_id":     m.PartID,
		"change_type": change,
		"qty":         qty.String(),
		"reference":   ref.String(),
		"actor_id":    m.ActorID,
	}

	entry, err := l.store.ApplyMutation(ctx, m)
	if err != nil {
		l.metrics.RecordStockMutation(string(change), domain.ErrorKind(err))
		if errors.Is(err, domain.ErrDuplicateOperation) {
			l.logger.WithFields(fields).Info("duplicate stock mutation suppressed")
			return MutationOutcome{Duplicate: true}, nil
		}
		if errors.Is(err, domain.ErrNegativeStockGuard) {
			l.logger.WithFields(fields).Warn("stock mutation rejected: stock would become negative")
		}
		return MutationOutcome{}, err
	}

	l.metrics.RecordStockMutation(string(change), domain.ErrorKind(nil))
	l.logger.WithFields(fields).WithFields(log.Fields{
		"entry_id":       entry.ID,
		"previous_stock": entry.PreviousStock.String(),
		"new_stock":      entry.NewStock.String(),
	}).Info("stock mutation recorded")

	l.enqueue(ctx, entry)
	return MutationOutcome{Applied: true, Entry: entry}, nil
}

// enqueue ставит событие в outbox после коммита изменения. Остаток уже изменён,
// поэтому сбой только логируется. Падение процесса между коммитом и enqueue
// теряет событие; источником истины остаётся журнал.
func (l *Ledger) enqueue(ctx context.Context, entry domain.AuditEntry) {
	if l.outbox == nil {
		return
	}
	msg, err := newOutboxMessage(entry)
	if err != nil {
		l.logger.WithError(err).WithField("entry_id", entry.ID).Error("failed to build stock event")
		return
	}
	if _, err := l.outbox.Enqueue(ctx, msg); err != nil {
		l.logger.WithError(err).WithField("entry_id", entry.ID).Warn("failed to enqueue stock event")
	}
}

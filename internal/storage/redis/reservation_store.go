package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// DefaultKeyPrefix — префикс ключей резервов.
const DefaultKeyPrefix = "fleet:"

// quantityScale — количество хранится в целых тысячных долях единицы.
const quantityScale = domain.QuantityScale

// holdScript атомарно сверяет запрос с остатком за вычетом удержанного и
// удерживает количество. Возвращает {held, available}.
var holdScript = goredis.NewScript(`
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
local qty = tonumber(ARGV[1])
local available = tonumber(ARGV[2]) - reserved
if available < qty then
	return {0, available}
end
redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('HINCRBY', KEYS[2], ARGV[3], ARGV[1])
redis.call('SETNX', KEYS[3], ARGV[4])
return {1, available}
`)

// releaseLineScript снимает одну строку резерва и удаляет пустой резерв.
var releaseLineScript = goredis.NewScript(`
local qty = redis.call('HGET', KEYS[1], ARGV[1])
if not qty then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
local left = redis.call('DECRBY', KEYS[2], qty)
if left <= 0 then
	redis.call('DEL', KEYS[2])
end
if redis.call('HLEN', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[3])
end
return 1
`)

// deleteScript снимает все строки резерва. Ключи удержаний по запчастям
// строятся из префикса ARGV[1]: заранее они неизвестны, но лежат в том же
// hash slot, что и KEYS.
var deleteScript = goredis.NewScript(`
local lines = redis.call('HGETALL', KEYS[1])
for i = 1, #lines, 2 do
	local key = ARGV[1] .. lines[i]
	local left = redis.call('DECRBY', key, lines[i + 1])
	if left <= 0 then
		redis.call('DEL', key)
	end
end
redis.call('DEL', KEYS[1], KEYS[2])
return #lines / 2
`)

// ReservationStore хранит резервы в Redis для нескольких экземпляров сервиса.
// Проверка и удержание выполняются Lua-скриптом, но физический остаток
// берётся из запроса: между чтением карточки и удержанием остаток может
// уменьшиться списанием.
type ReservationStore struct {
	client goredis.UniversalClient
	prefix string
	// keyBase — префикс в фигурных скобках, общий hash tag всех ключей
	keyBase string
	now     func() time.Time
}

// Option настраивает ReservationStore.
type Option func(*ReservationStore)

// WithKeyPrefix переопределяет префикс ключей.
func WithKeyPrefix(prefix string) Option {
	return func(s *ReservationStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewReservationStore создаёт Redis-реализацию ReservationStore.
// Все ключи одного префикса попадают в один hash slot, поэтому скрипты
// работают и на Redis Cluster. Резервы одного префикса живут на одном шарде.
func NewReservationStore(client goredis.UniversalClient, opts ...Option) *ReservationStore {
	s := &ReservationStore{
		client: client,
		prefix: DefaultKeyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.keyBase = "{" + s.prefix + "}"
	return s
}

// Ping проверяет доступность Redis.
func (s *ReservationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *ReservationStore) reservedKey(partID string) string {
	return s.keyBase + "reserved:" + partID
}

func (s *ReservationStore) reservationKey(id string) string {
	return s.keyBase + "reservation:" + id
}

func (s *ReservationStore) createdKey(id string) string {
	return s.keyBase + "reservation-created:" + id
}

func (s *ReservationStore) TryHold(ctx context.Context, req domain.HoldRequest) (domain.HoldOutcome, error) {
	if strings.TrimSpace(req.ReservationID) == "" {
		return domain.HoldOutcome{}, domain.ErrInvalidInput
	}
	if err := (domain.ReservationItem{PartID: req.PartID, Qty: req.Qty}).Validate(); err != nil {
		return domain.HoldOutcome{}, err
	}
	qty, err := toUnits(req.Qty)
	if err != nil {
		return domain.HoldOutcome{}, err
	}
	stock, err := toUnits(req.PhysicalStock)
	if err != nil {
		return domain.HoldOutcome{}, err
	}

	res, err := holdScript.Run(ctx, s.client,
		[]string{s.reservedKey(req.PartID), s.reservationKey(req.ReservationID), s.createdKey(req.ReservationID)},
		qty, stock, req.PartID, s.now().Format(time.RFC3339Nano),
	).Int64Slice()
	if err != nil {
		return domain.HoldOutcome{}, fmt.Errorf("redis hold %s for %s: %w", req.PartID, req.ReservationID, err)
	}
	if len(res) != 2 {
		return domain.HoldOutcome{}, fmt.Errorf("redis hold: unexpected reply %v", res)
	}

	return domain.HoldOutcome{Held: res[0] == 1, Available: fromUnits(res[1])}, nil
}

func (s *ReservationStore) ReservedQuantity(ctx context.Context, partID string) (decimal.Decimal, error) {
	units, err := s.client.Get(ctx, s.reservedKey(partID)).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("redis reserved quantity for %s: %w", partID, err)
	}
	return fromUnits(units), nil
}

func (s *ReservationStore) Get(ctx context.Context, reservationID string) (domain.Reservation, error) {
	lines, err := s.client.HGetAll(ctx, s.reservationKey(reservationID)).Result()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis get reservation %s: %w", reservationID, err)
	}
	if len(lines) == 0 {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}

	res := domain.Reservation{ID: reservationID, Lines: make(map[string]decimal.Decimal, len(lines))}
	for partID, raw := range lines {
		units, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("redis reservation %s line %s: %w", reservationID, partID, err)
		}
		res.Lines[partID] = fromUnits(units)
	}

	created, err := s.client.Get(ctx, s.createdKey(reservationID)).Result()
	switch {
	case err == nil:
		if ts, parseErr := time.Parse(time.RFC3339Nano, created); parseErr == nil {
			res.CreatedAt = ts
		}
	case !errors.Is(err, goredis.Nil):
		return domain.Reservation{}, fmt.Errorf("redis reservation %s created_at: %w", reservationID, err)
	}
	return res, nil
}

func (s *ReservationStore) ReleaseLine(ctx context.Context, reservationID, partID string) error {
	err := releaseLineScript.Run(ctx, s.client,
		[]string{s.reservationKey(reservationID), s.reservedKey(partID), s.createdKey(reservationID)},
		partID,
	).Err()
	if err != nil {
		return fmt.Errorf("redis release %s/%s: %w", reservationID, partID, err)
	}
	return nil
}

func (s *ReservationStore) Delete(ctx context.Context, reservationID string) error {
	err := deleteScript.Run(ctx, s.client,
		[]string{s.reservationKey(reservationID), s.createdKey(reservationID)},
		s.keyBase+"reserved:",
	).Err()
	if err != nil {
		return fmt.Errorf("redis delete reservation %s: %w", reservationID, err)
	}
	return nil
}

// toUnits переводит количество в целые тысячные. Более мелкие доли отклоняются.
func toUnits(q decimal.Decimal) (int64, error) {
	if err := domain.CheckQuantityScale(q); err != nil {
		return 0, err
	}
	return q.Shift(quantityScale).IntPart(), nil
}

func fromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -quantityScale)
}

var _ domain.ReservationStore = (*ReservationStore)(nil)

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/fleetalloc/internal/service/grpc"
)

// errReservationRejected — сервис ответил OK, но не удержал все строки.
var errReservationRejected = errors.New("reservation rejected")

// Окна рейсов отсчитываются от фиксированной даты в будущем.
var tripEpoch = time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)

type scenarioRunner struct {
	client allocationAPI
	opts   options
	runID  string
	rec    *recorder
}

// run выполняет один сценарий и учитывает его под ключом scenarioKey.
// Отказ в резерве при ответе OK учитывается как FailedPrecondition.
func (s *scenarioRunner) run(ctx context.Context, index int) (err error) {
	began := time.Now()
	defer func() {
		code := status.Code(err)
		if errors.Is(err, errReservationRejected) {
			code = codes.FailedPrecondition
		}
		s.rec.observe(scenarioKey, time.Since(began), code)
	}()

	if s.opts.mode == modeValidate {
		return s.validate(ctx, index)
	}
	return s.reserve(ctx, index)
}

func (s *scenarioRunner) timed(ctx context.Context, method string, call func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	began := time.Now()
	err := call(callCtx)
	s.rec.observe(method, time.Since(began), status.Code(err))
	return err
}

// validate проверяет остаток и рейс; окно рейса сдвигается на index часов.
func (s *scenarioRunner) validate(ctx context.Context, index int) error {
	err := s.timed(ctx, grpcsvc.MethodValidateStock, func(ctx context.Context) error {
		_, err := s.client.ValidateStock(ctx, grpcsvc.StockCheckRequest{PartID: s.opts.partID, Qty: s.opts.qty})
		return err
	})
	if err != nil {
		return err
	}

	start := tripEpoch.Add(time.Duration(index) * time.Hour)
	return s.timed(ctx, grpcsvc.MethodValidateTrip, func(ctx context.Context) error {
		_, err := s.client.ValidateTrip(ctx, grpcsvc.TripValidationRequest{
			VehicleID:  s.opts.vehicleID,
			OperatorID: s.opts.operatorID,
			Start:      start,
			End:        start.Add(30 * time.Minute),
		})
		return err
	})
}

func (s *scenarioRunner) reserve(ctx context.Context, index int) error {
	var resp grpcsvc.ReserveResponse
	err := s.timed(ctx, grpcsvc.MethodReserve, func(ctx context.Context) error {
		var err error
		resp, err = s.client.Reserve(ctx, grpcsvc.ReserveRequest{
			ReservationID: fmt.Sprintf("lt-%s-%d", s.runID, index),
			Items:         []grpcsvc.ItemView{{PartID: s.opts.partID, Qty: s.opts.qty}},
		})
		return err
	})
	if err != nil {
		return err
	}

	if !resp.Success {
		// Частично удержанные строки возвращаются в пул.
		_ = s.release(ctx, resp.ReservationID)
		return fmt.Errorf("%w: %d failed lines", errReservationRejected, len(resp.Failed))
	}
	if s.opts.mode == modeReserveCommit || shouldCommit(index, s.opts.commitRate) {
		return s.commit(ctx, resp.ReservationID)
	}
	return s.release(ctx, resp.ReservationID)
}

func (s *scenarioRunner) release(ctx context.Context, reservationID string) error {
	return s.timed(ctx, grpcsvc.MethodRelease, func(ctx context.Context) error {
		return s.client.Release(ctx, grpcsvc.ReleaseRequest{ReservationID: reservationID})
	})
}

// commit считает частичное списание ошибкой Aborted.
func (s *scenarioRunner) commit(ctx context.Context, reservationID string) error {
	return s.timed(ctx, grpcsvc.MethodCommit, func(ctx context.Context) error {
		resp, err := s.client.Commit(ctx, grpcsvc.CommitRequest{
			ReservationID: reservationID,
			ActorID:       s.opts.actorTag + "-" + s.runID,
		})
		if err == nil && !resp.Committed {
			return status.Errorf(codes.Aborted, "reservation %s committed partially", reservationID)
		}
		return err
	})
}

// shouldCommit детерминированно отбирает commitRate процентов сценариев.
func shouldCommit(index, commitRate int) bool {
	switch {
	case commitRate <= 0:
		return false
	case commitRate >= 100:
		return true
	default:
		return index%100 < commitRate
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcsvc "github.com/vladislavdragonenkov/fleetalloc/internal/service/grpc"
)

type loadMode string

const (
	modeValidate       loadMode = "validate"
	modeReserveRelease loadMode = "reserve-release"
	modeReserveCommit  loadMode = "reserve-commit"
)

// allocationAPI — подмножество AllocationClient, которое нагружает сценарий.
type allocationAPI interface {
	ValidateTrip(ctx context.Context, req grpcsvc.TripValidationRequest, opts ...grpc.CallOption) (grpcsvc.ValidationResponse, error)
	ValidateStock(ctx context.Context, req grpcsvc.StockCheckRequest, opts ...grpc.CallOption) (grpcsvc.ValidationResponse, error)
	Reserve(ctx context.Context, req grpcsvc.ReserveRequest, opts ...grpc.CallOption) (grpcsvc.ReserveResponse, error)
	Release(ctx context.Context, req grpcsvc.ReleaseRequest, opts ...grpc.CallOption) error
	Commit(ctx context.Context, req grpcsvc.CommitRequest, opts ...grpc.CallOption) (grpcsvc.CommitResponse, error)
}

type options struct {
	addr       string
	total      int
	totalSet   bool
	duration   time.Duration
	workers    int
	conns      int
	timeout    time.Duration
	mode       loadMode
	commitRate int
	partID     string
	qty        decimal.Decimal
	vehicleID  string
	operatorID string
	actorTag   string
	output     string
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeValidate, modeReserveRelease, modeReserveCommit:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func parseOptions(fs *flag.FlagSet, args []string) (options, error) {
	opts := options{mode: modeValidate, qty: decimal.NewFromInt(1)}

	fs.StringVar(&opts.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&opts.total, "total", 400, "scenarios to run; with -duration acts as an upper bound when set explicitly")
	fs.DurationVar(&opts.duration, "duration", 0, "run for this long instead of a fixed count (e.g. 10m)")
	fs.IntVar(&opts.workers, "concurrency", 40, "concurrent workers")
	fs.IntVar(&opts.conns, "connections", 20, "gRPC client connections shared by workers")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.Func("mode", "validate | reserve-release | reserve-commit (default validate)", func(v string) error {
		mode, err := parseMode(v)
		opts.mode = mode
		return err
	})
	fs.IntVar(&opts.commitRate, "commit-rate", 0, "percent of reserve-release scenarios that commit instead (0..100)")
	fs.StringVar(&opts.partID, "part", "P-LOAD", "spare part to validate and reserve")
	fs.Func("qty", "quantity per reservation line (default 1)", func(v string) error {
		qty, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse qty: %w", err)
		}
		opts.qty = qty
		return nil
	})
	fs.StringVar(&opts.vehicleID, "vehicle", "V-LOAD", "vehicle for trip validation")
	fs.StringVar(&opts.operatorID, "operator", "O-LOAD", "operator for trip validation")
	fs.StringVar(&opts.actorTag, "actor-tag", "load", "actor id prefix for commits")
	fs.StringVar(&opts.output, "output", "", "write the JSON report to this file")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			opts.totalSet = true
		}
	})
	if err := opts.validate(); err != nil {
		return options{}, err
	}
	return opts, nil
}

func (o options) validate() error {
	switch {
	case o.duration < 0:
		return errors.New("duration must be >= 0")
	case o.duration == 0 && o.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case o.duration > 0 && o.totalSet && o.total <= 0:
		return errors.New("total must be > 0 when explicitly set with duration")
	case o.workers <= 0:
		return errors.New("concurrency must be > 0")
	case o.conns <= 0:
		return errors.New("connections must be > 0")
	case o.timeout <= 0:
		return errors.New("timeout must be > 0")
	case !o.qty.IsPositive():
		return errors.New("qty must be > 0")
	case o.commitRate < 0 || o.commitRate > 100:
		return errors.New("commit-rate must be between 0 and 100")
	case strings.TrimSpace(o.partID) == "":
		return errors.New("part is required")
	case o.mode == modeValidate && (strings.TrimSpace(o.vehicleID) == "" || strings.TrimSpace(o.operatorID) == ""):
		return errors.New("vehicle and operator are required in validate mode")
	case strings.TrimSpace(o.actorTag) == "":
		return errors.New("actor-tag is required")
	}
	return nil
}

func main() {
	opts, err := parseOptions(flag.CommandLine, os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, opts, os.Stdout)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) (report, error) {
	conns := make([]*grpc.ClientConn, 0, opts.conns)
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	clients := make([]allocationAPI, 0, opts.conns)
	for range opts.conns {
		conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return report{}, fmt.Errorf("create grpc client: %w", err)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewAllocationClient(conn))
	}

	startedAt := time.Now()
	rec := newRecorder()
	drive(ctx, opts, clients, rec, fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid()))

	result := rec.report(startedAt, time.Since(startedAt))
	printReport(out, result, opts)
	if opts.output != "" {
		if err := writeReport(opts.output, result); err != nil {
			return result, fmt.Errorf("write report: %w", err)
		}
	}
	return result, nil
}

// drive раздаёт номера сценариев пулу воркеров; воркеры делят соединения по кругу.
func drive(ctx context.Context, opts options, clients []allocationAPI, rec *recorder, runID string) {
	jobs := make(chan int, opts.workers*2)

	var wg sync.WaitGroup
	for w := range opts.workers {
		runner := &scenarioRunner{client: clients[w%len(clients)], opts: opts, runID: runID, rec: rec}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				_ = runner.run(ctx, index)
			}
		}()
	}

	dispatchJobs(ctx, jobs, opts)
	wg.Wait()
}

func dispatchJobs(ctx context.Context, jobs chan<- int, opts options) {
	defer close(jobs)

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	bounded := opts.duration <= 0 || opts.totalSet

	for i := 0; !bounded || i < opts.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

func describeTarget(opts options) string {
	switch {
	case opts.duration <= 0:
		return fmt.Sprintf("count:%d", opts.total)
	case opts.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", opts.duration, opts.total)
	default:
		return fmt.Sprintf("duration:%s", opts.duration)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/fleetalloc/internal/service/grpc"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/ledger"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/scheduling"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/stock"
	"github.com/vladislavdragonenkov/fleetalloc/internal/storage/memory"
)

type fakeAllocationClient struct {
	mu sync.Mutex

	validateTripFn  func(grpcsvc.TripValidationRequest) (grpcsvc.ValidationResponse, error)
	validateStockFn func(grpcsvc.StockCheckRequest) (grpcsvc.ValidationResponse, error)
	reserveFn       func(grpcsvc.ReserveRequest) (grpcsvc.ReserveResponse, error)
	releaseFn       func(grpcsvc.ReleaseRequest) error
	commitFn        func(grpcsvc.CommitRequest) (grpcsvc.CommitResponse, error)

	calls []string
}

func (f *fakeAllocationClient) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
}

func (f *fakeAllocationClient) ValidateTrip(_ context.Context, req grpcsvc.TripValidationRequest, _ ...grpc.CallOption) (grpcsvc.ValidationResponse, error) {
	f.record(grpcsvc.MethodValidateTrip)
	if f.validateTripFn == nil {
		return grpcsvc.ValidationResponse{}, errors.New("unexpected ValidateTrip call")
	}
	return f.validateTripFn(req)
}

func (f *fakeAllocationClient) ValidateStock(_ context.Context, req grpcsvc.StockCheckRequest, _ ...grpc.CallOption) (grpcsvc.ValidationResponse, error) {
	f.record(grpcsvc.MethodValidateStock)
	if f.validateStockFn == nil {
		return grpcsvc.ValidationResponse{}, errors.New("unexpected ValidateStock call")
	}
	return f.validateStockFn(req)
}

func (f *fakeAllocationClient) Reserve(_ context.Context, req grpcsvc.ReserveRequest, _ ...grpc.CallOption) (grpcsvc.ReserveResponse, error) {
	f.record(grpcsvc.MethodReserve)
	if f.reserveFn == nil {
		return grpcsvc.ReserveResponse{}, errors.New("unexpected Reserve call")
	}
	return f.reserveFn(req)
}

func (f *fakeAllocationClient) Release(_ context.Context, req grpcsvc.ReleaseRequest, _ ...grpc.CallOption) error {
	f.record(grpcsvc.MethodRelease)
	if f.releaseFn == nil {
		return errors.New("unexpected Release call")
	}
	return f.releaseFn(req)
}

func (f *fakeAllocationClient) Commit(_ context.Context, req grpcsvc.CommitRequest, _ ...grpc.CallOption) (grpcsvc.CommitResponse, error) {
	f.record(grpcsvc.MethodCommit)
	if f.commitFn == nil {
		return grpcsvc.CommitResponse{}, errors.New("unexpected Commit call")
	}
	return f.commitFn(req)
}

var _ allocationAPI = (*fakeAllocationClient)(nil)
var _ allocationAPI = (*grpcsvc.AllocationClient)(nil)

func parse(t *testing.T, args ...string) (options, error) {
	t.Helper()
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseOptions(fs, args)
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]loadMode{
		"validate":          modeValidate,
		" reserve-release ": modeReserveRelease,
		"reserve-commit":    modeReserveCommit,
	} {
		got, err := parseMode(input)
		if err != nil || got != want {
			t.Fatalf("parseMode(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := parseMode("bad"); err == nil || !strings.Contains(err.Error(), "unsupported mode") {
		t.Fatalf("expected unsupported mode error, got %v", err)
	}
}

func TestParseOptions(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		opts, err := parse(t,
			"-addr=127.0.0.1:50051", "-mode=reserve-release", "-total=12", "-concurrency=3",
			"-connections=2", "-timeout=2s", "-commit-rate=10", "-part=P7", "-qty=2.5",
			"-actor-tag=stage", "-output=out.json",
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !opts.totalSet || opts.duration != 0 || opts.mode != modeReserveRelease {
			t.Fatalf("unexpected run options: %+v", opts)
		}
		if opts.partID != "P7" || !opts.qty.Equal(decimal.RequireFromString("2.5")) || opts.commitRate != 10 {
			t.Fatalf("unexpected reservation options: %+v", opts)
		}
		if opts.total != 12 || opts.workers != 3 || opts.conns != 2 || opts.timeout != 2*time.Second {
			t.Fatalf("unexpected numeric options: %+v", opts)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		opts, err := parse(t)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if opts.mode != modeValidate || !opts.qty.Equal(decimal.NewFromInt(1)) || opts.totalSet {
			t.Fatalf("unexpected defaults: %+v", opts)
		}
	})

	t.Run("duration mode", func(t *testing.T) {
		opts, err := parse(t, "-duration=3s", "-concurrency=2", "-connections=1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if opts.duration != 3*time.Second || opts.totalSet {
			t.Fatalf("unexpected duration options: %+v", opts)
		}
	})

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "invalid duration", args: []string{"-duration=bad"}, wantErr: "-duration"},
		{name: "negative duration", args: []string{"-duration=-1s"}, wantErr: "duration must be >= 0"},
		{name: "invalid mode", args: []string{"-mode=soak"}, wantErr: "unsupported mode"},
		{name: "invalid commit rate", args: []string{"-commit-rate=101"}, wantErr: "commit-rate must be between 0 and 100"},
		{name: "invalid qty", args: []string{"-qty=many"}, wantErr: "parse qty"},
		{name: "zero qty", args: []string{"-qty=0"}, wantErr: "qty must be > 0"},
		{name: "no workers", args: []string{"-concurrency=0"}, wantErr: "concurrency"},
		{name: "validate without vehicle", args: []string{"-mode=validate", "-vehicle="}, wantErr: "vehicle and operator are required"},
		{name: "empty total", args: []string{"-duration=0s", "-total=0"}, wantErr: "total must be > 0"},
		{name: "capped duration with zero total", args: []string{"-duration=1s", "-total=0"}, wantErr: "explicitly set"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(t, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func drain(jobs <-chan int) []int {
	var got []int
	for v := range jobs {
		got = append(got, v)
	}
	return got
}

func TestDispatchJobs(t *testing.T) {
	ctx := context.Background()

	jobs := make(chan int, 16)
	dispatchJobs(ctx, jobs, options{total: 5})
	if got := drain(jobs); !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("unexpected count-mode jobs: %v", got)
	}

	jobs = make(chan int, 16)
	dispatchJobs(ctx, jobs, options{duration: time.Second, total: 3, totalSet: true})
	if got := drain(jobs); len(got) != 3 {
		t.Fatalf("explicit total must cap duration mode, got %v", got)
	}

	jobs = make(chan int, 32)
	done := make(chan []int)
	go func() { done <- drain(jobs) }()
	dispatchJobs(ctx, jobs, options{duration: 20 * time.Millisecond})
	if got := <-done; len(got) == 0 {
		t.Fatal("duration mode should dispatch jobs")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	jobs = make(chan int)
	dispatchJobs(cancelled, jobs, options{total: 10})
	if got := drain(jobs); len(got) != 0 {
		t.Fatalf("cancelled run must not dispatch, got %v", got)
	}
}

func TestRecorderReport(t *testing.T) {
	rec := newRecorder()
	rec.observe(scenarioKey, 10*time.Millisecond, codes.OK)
	rec.observe(scenarioKey, 20*time.Millisecond, codes.Internal)
	rec.observe(grpcsvc.MethodReserve, 15*time.Millisecond, codes.OK)

	scenarios, ok := rec.method(scenarioKey)
	if !ok || scenarios.Calls != 2 || scenarios.Success != 1 || scenarios.Failed != 1 {
		t.Fatalf("unexpected scenario stats: %+v", scenarios)
	}
	if scenarios.Codes["OK"] != 1 || scenarios.Codes["Internal"] != 1 {
		t.Fatalf("unexpected codes: %+v", scenarios.Codes)
	}
	if scenarios.LatencyMs.Min != 10 || scenarios.LatencyMs.Max != 20 || scenarios.LatencyMs.Avg != 15 {
		t.Fatalf("unexpected latency: %+v", scenarios.LatencyMs)
	}
	if _, ok := rec.method(grpcsvc.MethodCommit); ok {
		t.Fatal("unobserved method must be absent")
	}

	r := rec.report(time.Now(), 2*time.Second)
	if r.TotalScenarios != 2 || r.FailedScenarios != 1 || r.ErrorRate != 0.5 || r.RPS != 1 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if _, ok := r.Methods[grpcsvc.MethodReserve]; !ok {
		t.Fatal("expected Reserve stats in report")
	}
}

func TestSummaryMath(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	if got := quantile(sorted, 0.5); got != 25 {
		t.Fatalf("p50 = %f, want 25", got)
	}
	if got := quantile(sorted, 1); got != 40 {
		t.Fatalf("p100 = %f, want 40", got)
	}
	if got := quantile(nil, 0.5); got != 0 {
		t.Fatalf("empty quantile = %f", got)
	}
	if got := summarize(nil); got != (latencySummary{}) {
		t.Fatalf("empty summary = %+v", got)
	}
	if share(1, 4) != 0.25 || share(1, 0) != 0 {
		t.Fatal("unexpected share")
	}

	if !shouldCommit(5, 10) || shouldCommit(15, 10) || shouldCommit(1, 0) || !shouldCommit(99, 100) {
		t.Fatal("unexpected commit selection")
	}

	for want, opts := range map[string]options{
		"count:50":                 {total: 50},
		"duration:2s":              {duration: 2 * time.Second},
		"duration:2s,max-total:10": {duration: 2 * time.Second, total: 10, totalSet: true},
	} {
		if got := describeTarget(opts); got != want {
			t.Fatalf("describeTarget = %s, want %s", got, want)
		}
	}
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	if err := writeReport(path, report{TotalScenarios: 2, SuccessScenarios: 2}); err != nil {
		t.Fatalf("writeReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.TotalScenarios != 2 || decoded.SuccessScenarios != 2 {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}

	for _, bad := range []string{".", "/", "../escape.json"} {
		if err := writeReport(bad, report{}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func acceptingClient(t *testing.T) *fakeAllocationClient {
	t.Helper()
	return &fakeAllocationClient{
		validateTripFn: func(req grpcsvc.TripValidationRequest) (grpcsvc.ValidationResponse, error) {
			if !req.End.After(req.Start) {
				t.Fatalf("trip window must be positive: %+v", req)
			}
			return grpcsvc.ValidationResponse{Valid: true}, nil
		},
		validateStockFn: func(grpcsvc.StockCheckRequest) (grpcsvc.ValidationResponse, error) {
			return grpcsvc.ValidationResponse{Valid: true}, nil
		},
		reserveFn: func(req grpcsvc.ReserveRequest) (grpcsvc.ReserveResponse, error) {
			if !strings.HasPrefix(req.ReservationID, "lt-run-1-") || len(req.Items) != 1 {
				t.Fatalf("unexpected reserve request: %+v", req)
			}
			return grpcsvc.ReserveResponse{Success: true, ReservationID: req.ReservationID}, nil
		},
		releaseFn: func(grpcsvc.ReleaseRequest) error { return nil },
		commitFn: func(req grpcsvc.CommitRequest) (grpcsvc.CommitResponse, error) {
			if req.ActorID != "load-run-1" {
				t.Fatalf("unexpected actor: %s", req.ActorID)
			}
			return grpcsvc.CommitResponse{Committed: true}, nil
		},
	}
}

func newRunner(client allocationAPI, opts options, runID string) *scenarioRunner {
	return &scenarioRunner{client: client, opts: opts, runID: runID, rec: newRecorder()}
}

func TestScenarioRunner_Modes(t *testing.T) {
	base := options{timeout: time.Second, partID: "P1", qty: decimal.NewFromInt(1), vehicleID: "V1", operatorID: "O1", actorTag: "load"}

	tests := []struct {
		name       string
		mode       loadMode
		commitRate int
		want       []string
	}{
		{name: "validate", mode: modeValidate, want: []string{grpcsvc.MethodValidateStock, grpcsvc.MethodValidateTrip}},
		{name: "reserve-release", mode: modeReserveRelease, want: []string{grpcsvc.MethodReserve, grpcsvc.MethodRelease}},
		{name: "reserve-release with commit", mode: modeReserveRelease, commitRate: 100, want: []string{grpcsvc.MethodReserve, grpcsvc.MethodCommit}},
		{name: "reserve-commit", mode: modeReserveCommit, want: []string{grpcsvc.MethodReserve, grpcsvc.MethodCommit}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			opts.mode = tc.mode
			opts.commitRate = tc.commitRate
			client := acceptingClient(t)
			runner := newRunner(client, opts, "run-1")

			if err := runner.run(context.Background(), 1); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if !slices.Equal(client.calls, tc.want) {
				t.Fatalf("unexpected calls: got %v want %v", client.calls, tc.want)
			}
			scenarios, ok := runner.rec.method(scenarioKey)
			if !ok || scenarios.Success != 1 {
				t.Fatalf("unexpected scenario stats: %+v", scenarios)
			}
			for _, method := range tc.want {
				if m, ok := runner.rec.method(method); !ok || m.Calls != 1 {
					t.Fatalf("%s not recorded: %+v", method, m)
				}
			}
		})
	}
}

func TestScenarioRunner_Failures(t *testing.T) {
	opts := options{mode: modeReserveCommit, timeout: time.Second, partID: "P1", qty: decimal.NewFromInt(1), actorTag: "load"}
	ctx := context.Background()

	unavailable := &fakeAllocationClient{
		reserveFn: func(grpcsvc.ReserveRequest) (grpcsvc.ReserveResponse, error) {
			return grpcsvc.ReserveResponse{}, status.Error(codes.Unavailable, "reserve unavailable")
		},
	}
	runner := newRunner(unavailable, opts, "run-1")
	if err := runner.run(ctx, 1); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable error, got %v", err)
	}
	if m, _ := runner.rec.method(grpcsvc.MethodReserve); m.Codes["Unavailable"] != 1 {
		t.Fatalf("expected Unavailable reserve code, got %+v", m.Codes)
	}

	rejected := &fakeAllocationClient{
		reserveFn: func(req grpcsvc.ReserveRequest) (grpcsvc.ReserveResponse, error) {
			return grpcsvc.ReserveResponse{ReservationID: req.ReservationID, Failed: []grpcsvc.FailedItemView{{PartID: "P1"}}}, nil
		},
		releaseFn: func(grpcsvc.ReleaseRequest) error { return nil },
	}
	runner = newRunner(rejected, opts, "run-2")
	if err := runner.run(ctx, 2); !errors.Is(err, errReservationRejected) {
		t.Fatalf("expected rejected reservation, got %v", err)
	}
	if !slices.Equal(rejected.calls, []string{grpcsvc.MethodReserve, grpcsvc.MethodRelease}) {
		t.Fatalf("rejected reservation must be released, calls=%v", rejected.calls)
	}
	if m, _ := runner.rec.method(scenarioKey); m.Codes["FailedPrecondition"] != 1 {
		t.Fatalf("expected FailedPrecondition scenario code, got %+v", m.Codes)
	}

	partial := &fakeAllocationClient{
		reserveFn: func(req grpcsvc.ReserveRequest) (grpcsvc.ReserveResponse, error) {
			return grpcsvc.ReserveResponse{Success: true, ReservationID: req.ReservationID}, nil
		},
		commitFn: func(grpcsvc.CommitRequest) (grpcsvc.CommitResponse, error) {
			return grpcsvc.CommitResponse{Committed: false}, nil
		},
	}
	runner = newRunner(partial, opts, "run-3")
	if err := runner.run(ctx, 3); status.Code(err) != codes.Aborted {
		t.Fatalf("expected Aborted for partial commit, got %v", err)
	}
	if m, _ := runner.rec.method(grpcsvc.MethodCommit); m.Failed != 1 {
		t.Fatalf("partial commit must count as failed call: %+v", m)
	}
}

func TestPrintReport(t *testing.T) {
	r := report{
		TotalScenarios:   2,
		SuccessScenarios: 2,
		Methods: map[string]methodReport{
			scenarioKey:           {Calls: 2, Success: 2},
			grpcsvc.MethodReserve: {Calls: 2, Success: 2},
			grpcsvc.MethodRelease: {Calls: 2, Success: 2},
		},
	}

	var out bytes.Buffer
	printReport(&out, r, options{mode: modeReserveRelease, total: 2})

	text := out.String()
	if !strings.Contains(text, "Load test summary") || !strings.Contains(text, "run=count:2") {
		t.Fatalf("expected summary header, got: %s", text)
	}
	release := strings.Index(text, grpcsvc.MethodRelease)
	reserve := strings.Index(text, grpcsvc.MethodReserve)
	if release < 0 || reserve < 0 || release > reserve {
		t.Fatalf("expected sorted method rows, got: %s", text)
	}
}

func startAllocationServer(t *testing.T) string {
	t.Helper()

	fleet := memory.NewFleetRepository()
	for _, r := range []domain.Resource{
		{ID: "V1", Kind: domain.ResourceKindVehicle, Status: domain.ResourceStatusActive, Name: "Volvo FH"},
		{ID: "O1", Kind: domain.ResourceKindOperator, Status: domain.ResourceStatusActive, Name: "Ivanov"},
	} {
		if err := fleet.UpsertResource(r); err != nil {
			t.Fatalf("seed resource: %v", err)
		}
	}
	inventory := memory.NewInventoryStore()
	if err := inventory.AddPart(domain.SparePart{ID: "P1", Name: "Brake pad", Stock: decimal.NewFromInt(1000)}); err != nil {
		t.Fatalf("seed part: %v", err)
	}
	reservations := memory.NewReservationStore()
	stockLedger := ledger.New(inventory)
	detector := scheduling.NewConflictDetector(fleet)
	finder := scheduling.NewAlternativeFinder(fleet, detector, 0)

	srv := grpc.NewServer()
	grpcsvc.RegisterAllocationServiceServer(srv, grpcsvc.NewAllocationService(grpcsvc.Services{
		Trips:        scheduling.NewTripValidator(fleet, detector, finder),
		Conflicts:    detector,
		Alternatives: finder,
		Stock:        stock.NewValidator(inventory, reservations),
		Reservations: stock.NewReservationManager(inventory, reservations, stockLedger),
		Ledger:       stockLedger,
	}, nil))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestRun_AgainstServer(t *testing.T) {
	addr := startAllocationServer(t)

	for _, mode := range []loadMode{modeValidate, modeReserveRelease, modeReserveCommit} {
		t.Run(string(mode), func(t *testing.T) {
			outPath := filepath.Join(t.TempDir(), "report.json")
			opts, err := parse(t,
				"-addr="+addr, "-mode="+string(mode), "-part=P1", "-vehicle=V1", "-operator=O1",
				"-total=5", "-concurrency=2", "-connections=1", "-timeout=2s", "-output="+outPath,
			)
			if err != nil {
				t.Fatalf("parse options: %v", err)
			}

			var out bytes.Buffer
			result, err := run(context.Background(), opts, &out)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if result.TotalScenarios != 5 || result.FailedScenarios != 0 {
				t.Fatalf("unexpected result %+v\n%s", result, out.String())
			}

			data, err := os.ReadFile(outPath)
			if err != nil {
				t.Fatalf("expected report file: %v", err)
			}
			var decoded report
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("decode report: %v", err)
			}
			if decoded.TotalScenarios != 5 {
				t.Fatalf("unexpected written report %+v", decoded)
			}
		})
	}
}

func TestMain_Succeeds(t *testing.T) {
	addr := startAllocationServer(t)

	oldArgs, oldFlags, oldStdout := os.Args, flag.CommandLine, os.Stdout
	t.Cleanup(func() { os.Args, flag.CommandLine, os.Stdout = oldArgs, oldFlags, oldStdout })

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	t.Cleanup(func() { _ = devNull.Close() })

	os.Stdout = devNull
	os.Args = []string{"loadtest", "-addr=" + addr, "-mode=reserve-release", "-part=P1", "-total=3", "-concurrency=1", "-connections=1"}
	flag.CommandLine = flag.NewFlagSet("loadtest", flag.ContinueOnError)

	main()
}

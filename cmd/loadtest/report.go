package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc/codes"
)

// scenarioKey — ключ, под которым учитываются сценарии целиком.
const scenarioKey = "scenario"

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type callStats struct {
	ok      int64
	failed  int64
	codes   map[string]int64
	samples []time.Duration
}

func (s *callStats) methodReport() methodReport {
	calls := s.ok + s.failed
	return methodReport{
		Calls:     calls,
		Success:   s.ok,
		Failed:    s.failed,
		ErrorRate: share(s.failed, calls),
		Codes:     maps.Clone(s.codes),
		LatencyMs: summarize(s.samples),
	}
}

// recorder копит коды и задержки по методам; безопасен для воркеров.
type recorder struct {
	mu    sync.Mutex
	calls map[string]*callStats
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]*callStats)}
}

func (r *recorder) observe(method string, took time.Duration, code codes.Code) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.calls[method]
	if stats == nil {
		stats = &callStats{codes: make(map[string]int64)}
		r.calls[method] = stats
	}
	if code == codes.OK {
		stats.ok++
	} else {
		stats.failed++
	}
	stats.codes[code.String()]++
	stats.samples = append(stats.samples, took)
}

func (r *recorder) method(name string) (methodReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.calls[name]
	if stats == nil {
		return methodReport{}, false
	}
	return stats.methodReport(), true
}

func (r *recorder) report(startedAt time.Time, elapsed time.Duration) report {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(r.calls)),
	}
	for name, stats := range r.calls {
		out.Methods[name] = stats.methodReport()
	}

	if scenarios, ok := out.Methods[scenarioKey]; ok {
		out.TotalScenarios = scenarios.Calls
		out.SuccessScenarios = scenarios.Success
		out.FailedScenarios = scenarios.Failed
		out.ErrorRate = scenarios.ErrorRate
		out.ScenarioLatencyMs = scenarios.LatencyMs
	}
	if elapsed > 0 {
		out.RPS = float64(out.TotalScenarios) / elapsed.Seconds()
	}
	return out
}

func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}

	ms := make([]float64, len(samples))
	var total float64
	for i, d := range samples {
		ms[i] = float64(d) / float64(time.Millisecond)
		total += ms[i]
	}
	slices.Sort(ms)

	return latencySummary{
		Min: ms[0],
		Max: ms[len(ms)-1],
		Avg: total / float64(len(ms)),
		P50: quantile(ms, 0.50),
		P95: quantile(ms, 0.95),
		P99: quantile(ms, 0.99),
	}
}

// quantile интерполирует между соседними значениями отсортированной выборки.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

func share(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func printReport(w io.Writer, result report, opts options) {
	_, _ = fmt.Fprintf(w, "Load test summary\nmode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		opts.mode, describeTarget(opts), result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios, result.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)

	lat := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "method\tcalls\tfailed\terror_rate\tp95_ms")
	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		if name == scenarioKey {
			continue
		}
		m := result.Methods[name]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%.2f\n", name, m.Calls, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}
	_ = tw.Flush()
}

func writeReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must stay inside the working directory: %s", path)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(clean, append(data, '\n'), 0o600)
}

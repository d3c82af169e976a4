package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"
)

// DefaultCheckTimeout ограничивает одну проверку компонента.
const DefaultCheckTimeout = 2 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse возвращает более тяжёлый из двух статусов.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Check — результат проверки одного компонента.
type Check struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Message    string        `json:"message,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Duration   time.Duration `json:"-"`
}

// Finish проставляет длительность проверки, начатой в started.
func (c *Check) Finish(started time.Time) {
	c.Duration = time.Since(started)
	c.DurationMs = c.Duration.Milliseconds()
}

// Response — тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

type component struct {
	checker Checker
	// отказ необязательного компонента даёт degraded, а не unhealthy
	optional bool
}

// Handler сводит проверки компонентов в /healthz и /readyz.
type Handler struct {
	version string
	started time.Time

	mu         sync.RWMutex
	components map[string]component
	timeout    time.Duration
}

func NewHandler(version string) *Handler {
	return &Handler{
		version:    version,
		started:    time.Now(),
		components: map[string]component{},
		timeout:    DefaultCheckTimeout,
	}
}

// SetTimeout меняет таймаут одной проверки. Неположительные значения игнорируются.
func (h *Handler) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = timeout
}

// RegisterChecker добавляет критичный компонент: без него сервис не готов.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = component{checker: checker}
}

// RegisterOptional добавляет компонент, отказ которого только понижает статус.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = component{checker: checker, optional: true}
}

// Evaluate опрашивает все компоненты одновременно.
func (h *Handler) Evaluate(ctx context.Context) (Status, map[string]Check) {
	h.mu.RLock()
	components := maps.Clone(h.components)
	timeout := h.timeout
	h.mu.RUnlock()

	type result struct {
		name  string
		check Check
	}
	results := make(chan result, len(components))
	for name, c := range components {
		go func() {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			check := c.checker.Check(checkCtx)
			if c.optional && check.Status == StatusUnhealthy {
				check.Status = StatusDegraded
			}
			results <- result{name: name, check: check}
		}()
	}

	overall := StatusHealthy
	checks := make(map[string]Check, len(components))
	for range len(components) {
		r := <-results
		checks[r.name] = r.check
		overall = worse(overall, r.check.Status)
	}
	return overall, checks
}

// ServeHTTP отдаёт подробный JSON-отчёт. 503 только при отказе критичного компонента.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, checks := h.Evaluate(r.Context())

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{
		Status:        status,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started) / time.Second),
	})
}

// ReadinessHandler отвечает "ready" или 503 "not ready".
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if status, _ := h.Evaluate(r.Context()); status == StatusUnhealthy {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeText(w, http.StatusOK, "ready")
}

// LivenessHandler всегда отвечает 200: процесс жив, пока обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// Pinger реализуют хранилища и клиенты брокеров.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SimpleChecker превращает функцию, возвращающую ошибку, в Checker.
type SimpleChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewSimpleChecker оборачивает функцию без контекста.
func NewSimpleChecker(name string, fn func() error) *SimpleChecker {
	return &SimpleChecker{name: name, ping: func(context.Context) error { return fn() }}
}

// NewPingChecker проверяет компонент через его Ping.
func NewPingChecker(name string, pinger Pinger) *SimpleChecker {
	return &SimpleChecker{name: name, ping: pinger.Ping}
}

func (c *SimpleChecker) Check(ctx context.Context) Check {
	started := time.Now()
	check := Check{Name: c.name, Status: StatusHealthy}
	if err := c.ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	check.Finish(started)
	return check
}

package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// QueueDepthFunc reports the number of jobs waiting to be claimed.
type QueueDepthFunc func(ctx context.Context) (int64, error)

// Checker performs health checks on various components
type Checker struct {
	db           *sql.DB
	redis        *redis.Client
	storageCheck func(ctx context.Context) error
	queueDepth   QueueDepthFunc
	queueBacklog int64
	notifyCheck  func(ctx context.Context) error
	version      string
	checkTimeout time.Duration
}

// CheckerConfig holds configuration for the health checker
type CheckerConfig struct {
	DB           *sql.DB
	Redis        *redis.Client
	StorageCheck func(ctx context.Context) error

	// QueueDepth adds a "queue" component. A backlog above QueueBacklog
	// reports degraded.
	QueueDepth   QueueDepthFunc
	QueueBacklog int64

	// NotifyCheck adds a "notify" component when status notifications
	// are published to a broker.
	NotifyCheck func(ctx context.Context) error

	Version string
	Timeout time.Duration
}

// NewChecker creates a new health checker
func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	backlog := cfg.QueueBacklog
	if backlog == 0 {
		backlog = 1000
	}
	return &Checker{
		db:           cfg.DB,
		redis:        cfg.Redis,
		storageCheck: cfg.StorageCheck,
		queueDepth:   cfg.QueueDepth,
		queueBacklog: backlog,
		notifyCheck:  cfg.NotifyCheck,
		version:      cfg.Version,
		checkTimeout: timeout,
	}
}

// probe runs fn under the check timeout and times it.
func (c *Checker) probe(ctx context.Context, failMsg string, fn func(ctx context.Context) error) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		return ComponentHealth{
			Status:   StatusUnhealthy,
			Message:  failMsg,
			Duration: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// CheckDB checks database connectivity
func (c *Checker) CheckDB(ctx context.Context) ComponentHealth {
	if c.db == nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "database not configured",
		}
	}

	result := c.probe(ctx, "database ping failed", c.db.PingContext)
	if result.Status != StatusHealthy {
		return result
	}

	// Pings can succeed against a server that refuses queries.
	qctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()
	var one int
	if err := c.db.QueryRowContext(qctx, "SELECT 1").Scan(&one); err != nil {
		result.Status = StatusDegraded
		result.Message = "database query failed"
	}
	return result
}

// CheckRedis checks Redis connectivity
func (c *Checker) CheckRedis(ctx context.Context) ComponentHealth {
	if c.redis == nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "redis not configured",
		}
	}

	return c.probe(ctx, "redis ping failed", func(ctx context.Context) error {
		return c.redis.Ping(ctx).Err()
	})
}

// CheckStorage checks S3/MinIO connectivity
func (c *Checker) CheckStorage(ctx context.Context) ComponentHealth {
	if c.storageCheck == nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "storage not configured",
		}
	}

	return c.probe(ctx, "storage check failed", c.storageCheck)
}

// CheckQueue reports the job backlog.
func (c *Checker) CheckQueue(ctx context.Context) ComponentHealth {
	var waiting int64
	result := c.probe(ctx, "queue depth unavailable", func(ctx context.Context) error {
		n, err := c.queueDepth(ctx)
		waiting = n
		return err
	})
	if result.Status != StatusHealthy {
		return result
	}

	result.Details = map[string]any{"waiting": waiting}
	if waiting > c.queueBacklog {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d jobs waiting", waiting)
	}
	return result
}

// CheckNotify checks the notification broker connection.
func (c *Checker) CheckNotify(ctx context.Context) ComponentHealth {
	result := c.probe(ctx, "notification broker unavailable", c.notifyCheck)
	// Notifications are best effort; a broken broker never blocks traffic.
	if result.Status == StatusUnhealthy {
		result.Status = StatusDegraded
	}
	return result
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck performs a comprehensive health check (readiness)
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
	}

	checks := map[string]func(context.Context) ComponentHealth{
		"database": c.CheckDB,
		"redis":    c.CheckRedis,
		"storage":  c.CheckStorage,
	}
	if c.queueDepth != nil {
		checks["queue"] = c.CheckQueue
	}
	if c.notifyCheck != nil {
		checks["notify"] = c.CheckNotify
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, check := range checks {
		wg.Add(1)
		go func(n string, ch func(context.Context) ComponentHealth) {
			defer wg.Done()
			result := ch(ctx)
			mu.Lock()
			response.Components[n] = result
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

func writeHealth(w http.ResponseWriter, response *HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// LivenessHandler handles liveness probe requests
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, h.checker.Check(r.Context()))
}

// ReadinessHandler handles readiness probe requests. Degraded still
// accepts traffic.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, h.checker.DeepCheck(r.Context()))
}

// HealthHandler serves /health; ?deep=true runs the readiness checks.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	h.LivenessHandler(w, r)
}

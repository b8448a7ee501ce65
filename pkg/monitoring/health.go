package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"github.com/venuescout/accessguard/pkg/access"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Checks    []HealthCheck  `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// HealthChecker interface for health check implementations
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// HealthManager manages health checks
type HealthManager struct {
	serviceName    string
	serviceVersion string
	checkers       map[string]HealthChecker
	mu             sync.RWMutex
	timeout        time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		checkers:       make(map[string]HealthChecker),
		timeout:        5 * time.Second,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// SetTimeout sets the timeout for health checks
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.timeout = timeout
}

// CheckHealth performs all health checks and returns a report
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker)
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	timeout := hm.timeout
	hm.mu.RUnlock()

	report := &HealthReport{
		Service:   hm.serviceName,
		Version:   hm.serviceVersion,
		Timestamp: time.Now(),
		Checks:    make([]HealthCheck, 0, len(checkers)),
		Summary:   make(map[string]int),
	}

	// Run health checks concurrently
	checkChan := make(chan HealthCheck, len(checkers))
	var wg sync.WaitGroup

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			check := checker.Check(checkCtx)
			check.Name = name
			check.LastChecked = start
			check.Duration = time.Since(start)

			checkChan <- check
		}(name, checker)
	}

	// Wait for all checks to complete
	go func() {
		wg.Wait()
		close(checkChan)
	}()

	// Collect results
	for check := range checkChan {
		report.Checks = append(report.Checks, check)
		report.Summary[string(check.Status)]++
	}
	sort.Slice(report.Checks, func(i, j int) bool {
		return report.Checks[i].Name < report.Checks[j].Name
	})

	// Determine overall status
	if report.Summary[string(HealthStatusUnhealthy)] > 0 {
		report.Status = HealthStatusUnhealthy
	} else if report.Summary[string(HealthStatusDegraded)] > 0 {
		report.Status = HealthStatusDegraded
	} else {
		report.Status = HealthStatusHealthy
	}

	return report
}

// GinHandler serves the health report. Degraded still answers 200.
func (hm *HealthManager) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := hm.CheckHealth(c.Request.Context())

		status := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}

// PingHealthChecker checks a store or database that can be pinged
type PingHealthChecker struct {
	pinger access.Pinger
}

// NewPingHealthChecker creates a checker for pinger
func NewPingHealthChecker(pinger access.Pinger) *PingHealthChecker {
	return &PingHealthChecker{pinger: pinger}
}

// Check pings the backend
func (p *PingHealthChecker) Check(ctx context.Context) HealthCheck {
	if err := p.pinger.Ping(ctx); err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("Ping failed: %v", err),
		}
	}
	return HealthCheck{Status: HealthStatusHealthy, Message: "Reachable"}
}

// BreakerHealthChecker reports a circuit breaker. Open or half-open
// reports degraded, never unhealthy.
type BreakerHealthChecker struct {
	state func() gobreaker.State
}

// NewBreakerHealthChecker creates a checker reading state
func NewBreakerHealthChecker(state func() gobreaker.State) *BreakerHealthChecker {
	return &BreakerHealthChecker{state: state}
}

// Check reads the breaker state
func (b *BreakerHealthChecker) Check(context.Context) HealthCheck {
	state := b.state()
	check := HealthCheck{
		Status:  HealthStatusHealthy,
		Message: "Circuit closed",
		Details: map[string]interface{}{"state": state.String()},
	}
	switch state {
	case gobreaker.StateOpen:
		check.Status = HealthStatusDegraded
		check.Message = "Circuit open"
	case gobreaker.StateHalfOpen:
		check.Status = HealthStatusDegraded
		check.Message = "Circuit half-open"
	}
	return check
}

// CustomHealthChecker allows custom health check implementations
type CustomHealthChecker struct {
	checkFunc func(ctx context.Context) HealthCheck
}

// NewCustomHealthChecker creates a new custom health checker
func NewCustomHealthChecker(checkFunc func(ctx context.Context) HealthCheck) *CustomHealthChecker {
	return &CustomHealthChecker{checkFunc: checkFunc}
}

// Check performs the custom health check
func (chc *CustomHealthChecker) Check(ctx context.Context) HealthCheck {
	return chc.checkFunc(ctx)
}

// Package health runs periodic liveness checks for the gateway's external
// links (chat component, mailbox, outbound relay) and keeps an aggregate
// status for the status API.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

// gaugeValue maps a status onto mailgate_component_health_status.
func (s ComponentStatus) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the whole gateway unhealthy

	// protected by mu
	mu         sync.RWMutex
	LastCheck  time.Time
	LastError  error
	Status     ComponentStatus
	CheckCount int
	FailCount  int
}

// Report is a point-in-time copy of one check.
type Report struct {
	Name       string          `json:"name"`
	Status     ComponentStatus `json:"status"`
	Critical   bool            `json:"critical"`
	LastCheck  time.Time       `json:"last_check"`
	LastError  string          `json:"last_error,omitempty"`
	CheckCount int             `json:"check_count"`
	FailCount  int             `json:"fail_count"`
}

type HealthMonitor struct {
	checks          map[string]*HealthCheck
	mu              sync.RWMutex
	overallStatus   ComponentStatus
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	statusCallbacks []func(name string, status ComponentStatus)
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
		ctx:           context.Background(),
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.Status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

func (hm *HealthMonitor) AddStatusCallback(callback func(name string, status ComponentStatus)) {
	hm.mu.Lock()
	hm.statusCallbacks = append(hm.statusCallbacks, callback)
	hm.mu.Unlock()
}

// Start launches one goroutine per registered check. The first check runs
// after one interval so that the components get a chance to connect.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.mu.Lock()
	hm.ctx, hm.cancel = context.WithCancel(ctx)
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.Unlock()

	for _, check := range checks {
		hm.wg.Add(1)
		go hm.runHealthCheck(check)
	}
}

func (hm *HealthMonitor) Stop() {
	hm.mu.RLock()
	cancel := hm.cancel
	hm.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	hm.wg.Wait()
}

// CheckNow runs every check once, synchronously.
func (hm *HealthMonitor) CheckNow(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.RUnlock()

	for _, check := range checks {
		hm.performCheck(ctx, check)
	}
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	defer hm.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("[HEALTH] monitoring started", "check", check.Name, "interval", check.Interval)

	hm.mu.RLock()
	ctx := hm.ctx
	hm.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("[HEALTH] monitoring stopped", "check", check.Name)
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

func (hm *HealthMonitor) performCheck(parent context.Context, check *HealthCheck) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("[HEALTH] check panicked", "check", check.Name, "error", err)

			check.mu.Lock()
			check.Status = StatusUnhealthy
			check.LastError = err
			check.mu.Unlock()

			hm.notifyStatusChange(check.Name, StatusUnhealthy)
			hm.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(parent, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.CheckCount++
	check.LastCheck = time.Now()
	previousStatus := check.Status
	isFirstCheck := check.CheckCount == 1

	if err != nil {
		check.FailCount++
		check.LastError = err

		// A single failure degrades; a sustained failure rate or a critical
		// link being down makes the component unhealthy.
		failureRate := float64(check.FailCount) / float64(check.CheckCount)
		if failureRate >= 0.5 || check.Critical {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}

		logger.Warn("[HEALTH] check failed", "check", check.Name, "error", err,
			"status", check.Status, "failure_rate", fmt.Sprintf("%.2f", failureRate))
	} else {
		check.LastError = nil
		check.Status = StatusHealthy
	}

	currentStatus := check.Status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(currentStatus)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(currentStatus.gaugeValue())

	if previousStatus != currentStatus || isFirstCheck {
		if isFirstCheck {
			logger.Info("[HEALTH] check initialized", "check", check.Name, "status", currentStatus)
		} else {
			logger.Info("[HEALTH] check status changed", "check", check.Name, "from", previousStatus, "to", currentStatus)
		}
		hm.notifyStatusChange(check.Name, currentStatus)
	}

	hm.updateOverallStatus()
}

func (hm *HealthMonitor) notifyStatusChange(name string, status ComponentStatus) {
	hm.mu.RLock()
	callbacks := make([]func(string, ComponentStatus), len(hm.statusCallbacks))
	copy(callbacks, hm.statusCallbacks)
	hm.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(name, status)
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.Status
		critical := check.Critical
		check.mu.RUnlock()

		switch status {
		case StatusUnhealthy, StatusUnreachable:
			if critical {
				criticalUnhealthy = true
			} else {
				anyDegraded = true
			}
		case StatusDegraded:
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Info("[HEALTH] overall status changed", "from", previousStatus, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()

	if !exists {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.Status, true
}

// Reports returns every check sorted by name.
func (hm *HealthMonitor) Reports() []Report {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.RUnlock()

	reports := make([]Report, 0, len(checks))
	for _, check := range checks {
		check.mu.RLock()
		r := Report{
			Name:       check.Name,
			Status:     check.Status,
			Critical:   check.Critical,
			LastCheck:  check.LastCheck,
			CheckCount: check.CheckCount,
			FailCount:  check.FailCount,
		}
		if check.LastError != nil {
			r.LastError = check.LastError.Error()
		}
		check.mu.RUnlock()
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	return reports
}

func (hm *HealthMonitor) IsHealthy(name string) bool {
	status, exists := hm.GetCheckStatus(name)
	return exists && status == StatusHealthy
}

func (hm *HealthMonitor) IsUnhealthy(name string) bool {
	status, exists := hm.GetCheckStatus(name)
	return exists && (status == StatusUnhealthy || status == StatusUnreachable)
}

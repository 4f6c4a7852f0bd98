// Package probes provides liveness and readiness reporting for the
// projection API server and the controller manager's probe endpoints.
package probes

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

// Checker reports the health of one component.
type Checker interface {
	Name() string
	Check() error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func() error
}

func (c CheckerFunc) Name() string { return c.CheckerName }
func (c CheckerFunc) Check() error { return c.Fn() }

// Status is the JSON body served by the probe handlers.
type Status struct {
	Healthy bool              `json:"healthy"`
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// Manager aggregates checkers for one probe endpoint.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	log      *zap.Logger
}

// NewManager creates a probe manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log}
}

// AddChecker registers a checker.
func (m *Manager) AddChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// GetStatus evaluates all checkers.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{Healthy: true, Status: "ok", Details: make(map[string]string)}
	for _, c := range m.checkers {
		if err := c.Check(); err != nil {
			status.Healthy = false
			status.Status = "unavailable"
			status.Details[c.Name()] = err.Error()
			continue
		}
		status.Details[c.Name()] = "ok"
	}
	return status
}

// Handler returns a gin handler serving the probe status.
func (m *Manager) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := m.GetStatus()
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
			m.log.Warn("Probe failed", zap.Any("details", status.Details))
		}
		c.JSON(code, status)
	}
}

// ReadyFlag is a checker flipped once startup completes. It starts not
// ready.
type ReadyFlag struct {
	name  string
	mu    sync.RWMutex
	ready bool
}

// NewReadyFlag creates a named readiness flag.
func NewReadyFlag(name string) *ReadyFlag {
	return &ReadyFlag{name: name}
}

func (f *ReadyFlag) Name() string { return f.name }

func (f *ReadyFlag) Check() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.ready {
		return fmt.Errorf("%s is not ready", f.name)
	}
	return nil
}

// SetReady flips the flag.
func (f *ReadyFlag) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// SetupChecks wires the standard ping checks onto the controller
// manager's probe endpoints.
func SetupChecks(mgr ctrl.Manager) error {
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("adding healthz check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("adding readyz check: %w", err)
	}
	return nil
}

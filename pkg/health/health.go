// Package health runs registered dependency probes concurrently and serves
// the aggregate as Kubernetes-style liveness and readiness endpoints on the
// ops server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status is the health state of a dependency or the process overall.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Pinger is the probe contract satisfied by the store backends, the
// checkpoint store, and the Kafka clients.
type Pinger func(ctx context.Context) error

// ComponentHealth holds the result of a single dependency probe.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report aggregates all probe results.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Checker holds named dependency probes.
type Checker struct {
	mu     sync.RWMutex
	probes map[string]Pinger
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{probes: make(map[string]Pinger)}
}

// Register adds a named dependency probe.
func (c *Checker) Register(name string, probe Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// Run executes all probes concurrently. The overall status is down if any
// dependency is down.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	probes := make(map[string]Pinger, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(probes)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, probe := range probes {
		wg.Add(1)
		go func(n string, p Pinger) {
			defer wg.Done()
			start := time.Now()
			result := ComponentHealth{Status: StatusUp}
			if err := p(ctx); err != nil {
				result = ComponentHealth{Status: StatusDown, Message: err.Error()}
			}
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			mu.Lock()
			report.Components[n] = result
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()

	for _, comp := range report.Components {
		if comp.Status == StatusDown {
			report.Status = StatusDown
			break
		}
	}
	return report
}

// LiveHandler reports process liveness without touching dependencies.
func (c *Checker) LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})
}

// ReadyHandler runs all probes and reports 503 until every dependency is up.
func (c *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})
}

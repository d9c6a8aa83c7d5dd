// Package health probes the service's dependency domains and persists an
// aggregate verdict. The latest persisted run is the answer to "is the
// system healthy", not a fresh probe.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"researchd/pkg/logx"
	"researchd/pkg/store"
)

// Aggregate verdict constants.
const (
	StatusOK       = "OK"
	StatusDegraded = "DEGRADED"
	StatusDown     = "DOWN"
)

// Domain names reported in each run.
const (
	DomainAI      = "ai-provider"
	DomainStore   = "store"
	DomainSearch  = "search-tool"
	DomainSandbox = "sandbox"
)

// DefaultProbeTimeout bounds each individual probe.
const DefaultProbeTimeout = 5 * time.Second

// nightlyHour is the UTC hour of the scheduled daily run.
const nightlyHour = 3

// Probe checks one dependency domain. Critical domains take the aggregate to
// DOWN on failure; non-critical ones only degrade it.
type Probe struct {
	Domain   string
	Critical bool
	Check    func(ctx context.Context) error
}

// Recorder persists aggregator runs. *store.Store satisfies it.
type Recorder interface {
	InsertHealthCheck(result *store.HealthCheckResult) error
	LatestHealthCheck() (*store.HealthCheckResult, error)
}

// Aggregator runs all registered probes concurrently and records the result.
type Aggregator struct {
	recorder     Recorder
	probes       []Probe
	probeTimeout time.Duration
	logger       *logx.Logger

	mu      sync.Mutex
	running bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.probeTimeout = d }
}

// New creates an aggregator over the given probes.
func New(recorder Recorder, probes []Probe, opts ...Option) *Aggregator {
	a := &Aggregator{
		recorder:     recorder,
		probes:       probes,
		probeTimeout: DefaultProbeTimeout,
		logger:       logx.NewLogger("health"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ProviderChecker is the slice of the provider client the AI probe needs.
type ProviderChecker interface {
	HealthCheck(ctx context.Context) error
	ModelName() string
}

// ToolPinger is the slice of the tool client the search probe needs.
type ToolPinger interface {
	Ping(ctx context.Context) error
}

// StoreProbe checks database reachability. Critical.
func StoreProbe(s *store.Store) Probe {
	return Probe{
		Domain:   DomainStore,
		Critical: true,
		Check: func(context.Context) error {
			return s.Ping()
		},
	}
}

// AIProbe checks the primary AI backend. Critical.
func AIProbe(client ProviderChecker) Probe {
	return Probe{
		Domain:   DomainAI,
		Critical: true,
		Check: func(ctx context.Context) error {
			return client.HealthCheck(ctx)
		},
	}
}

// SearchProbe checks the documentation search tool. Non-critical; research
// can still run in a degraded mode without external search.
func SearchProbe(tool ToolPinger) Probe {
	return Probe{
		Domain: DomainSearch,
		Check: func(ctx context.Context) error {
			return tool.Ping(ctx)
		},
	}
}

// SandboxProbe checks the analysis sandbox container over HTTP. Non-critical.
func SandboxProbe(baseURL string, httpClient *http.Client) Probe {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Probe{
		Domain: DomainSandbox,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				strings.TrimRight(baseURL, "/")+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("sandbox returned HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
}

type probeOutcome struct {
	probe Probe
	err   error
}

// RunNow executes all probes concurrently, persists the aggregate result,
// and returns it. Concurrent RunNow calls are coalesced into an error rather
// than stacked probe storms.
func (a *Aggregator) RunNow(ctx context.Context) (*store.HealthCheckResult, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, fmt.Errorf("health check already in progress")
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	outcomes := make([]probeOutcome, len(a.probes))
	var wg sync.WaitGroup
	for i, p := range a.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
			defer cancel()
			outcomes[i] = probeOutcome{probe: p, err: p.Check(probeCtx)}
		}(i, p)
	}
	wg.Wait()

	result := aggregate(outcomes)
	if err := a.recorder.InsertHealthCheck(result); err != nil {
		return nil, fmt.Errorf("failed to record health check: %w", err)
	}
	a.logger.Info("health check complete: %s (%s)", result.Aggregate, result.Notes)
	return result, nil
}

// aggregate folds probe outcomes into a verdict. Any critical failure means
// DOWN; any failure at all means at least DEGRADED.
func aggregate(outcomes []probeOutcome) *store.HealthCheckResult {
	domains := make(map[string]string, len(outcomes))
	var failed []string
	verdict := StatusOK

	for _, o := range outcomes {
		if o.err == nil {
			domains[o.probe.Domain] = "ok"
			continue
		}
		domains[o.probe.Domain] = o.err.Error()
		failed = append(failed, o.probe.Domain)
		if o.probe.Critical {
			verdict = StatusDown
		} else if verdict == StatusOK {
			verdict = StatusDegraded
		}
	}

	notes := "all domains healthy"
	if len(failed) > 0 {
		sort.Strings(failed)
		notes = "failed domains: " + strings.Join(failed, ", ")
	}
	return &store.HealthCheckResult{
		Aggregate: verdict,
		Domains:   domains,
		Notes:     notes,
	}
}

// Latest returns the most recent persisted run.
func (a *Aggregator) Latest() (*store.HealthCheckResult, error) {
	return a.recorder.LatestHealthCheck()
}

// RunNightly blocks, executing a run at the scheduled hour each day until
// ctx is cancelled. Callers run it in its own goroutine.
func (a *Aggregator) RunNightly(ctx context.Context) {
	for {
		wait := untilNextRun(time.Now().UTC())
		a.logger.Debug("next scheduled health check in %s", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if _, err := a.RunNow(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("scheduled health check failed: %v", err)
		}
	}
}

func untilNextRun(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), nightlyHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// Package pipeline drives admitted sessions through the fixed research
// stages: brainstorm, search, synthesize, persist. Every stage success is
// checkpointed before the pipeline advances, so a redelivered or resumed
// session never re-executes completed work.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"researchd/pkg/eventbus"
	"researchd/pkg/logx"
	"researchd/pkg/metrics"
	"researchd/pkg/provider"
	"researchd/pkg/store"
	"researchd/pkg/toolclient"
)

// Publisher is the slice of the event bus the orchestrator uses.
type Publisher interface {
	Publish(sessionID, eventType, payload string) (*eventbus.Event, error)
	CloseSession(sessionID string)
}

// Searcher is the slice of the tool client the search stage uses.
type Searcher interface {
	Search(ctx context.Context, params toolclient.SearchParams) ([]toolclient.SearchResult, error)
	ListRepoFiles(ctx context.Context, params toolclient.RepoListParams) ([]toolclient.RepoFile, error)
}

// Default retry tuning.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffFactor  = 2.0
)

// Config wires an Orchestrator's collaborators.
type Config struct {
	Store           *store.Store
	Bus             Publisher
	Registry        *provider.Registry
	DefaultProvider string
	Tool            Searcher
	ArtifactDir     string
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffFactor   float64
}

// Orchestrator executes the pipeline for one session at a time per call.
// Handle is safe for concurrent use across distinct sessions; the store's
// compare-and-set status transitions arbitrate duplicate deliveries of the
// same session.
type Orchestrator struct {
	store           *store.Store
	bus             Publisher
	registry        *provider.Registry
	defaultProvider string
	tool            Searcher
	artifactDir     string
	maxAttempts     int
	backoffInitial  time.Duration
	backoffFactor   float64
	sleep           func(time.Duration)
	logger          *logx.Logger
}

// New creates an orchestrator with defaults applied.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:           cfg.Store,
		bus:             cfg.Bus,
		registry:        cfg.Registry,
		defaultProvider: cfg.DefaultProvider,
		tool:            cfg.Tool,
		artifactDir:     cfg.ArtifactDir,
		maxAttempts:     cfg.MaxAttempts,
		backoffInitial:  cfg.BackoffInitial,
		backoffFactor:   cfg.BackoffFactor,
		sleep:           time.Sleep,
		logger:          logx.NewLogger("pipeline"),
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.backoffInitial <= 0 {
		o.backoffInitial = DefaultBackoffInitial
	}
	if o.backoffFactor <= 1.0 {
		o.backoffFactor = DefaultBackoffFactor
	}
	if o.artifactDir == "" {
		o.artifactDir = "artifacts"
	}
	return o
}

// Handle drives one queued or resumable session to a terminal state. It is
// idempotent: a session already terminal is discarded, a session already
// running resumes from its first non-succeeded stage.
func (o *Orchestrator) Handle(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if store.IsTerminalStatus(sess.Status) {
		o.logger.Debug("discarding duplicate delivery of terminal session %s (%s)", sessionID, sess.Status)
		return nil
	}

	if sess.Status == store.SessionQueued {
		if err := o.store.TransitionStatus(sessionID, store.SessionQueued, store.SessionRunning); err != nil {
			if errors.Is(err, store.ErrStaleStatus) {
				// Another worker claimed it between our read and the CAS.
				o.logger.Debug("session %s claimed by another worker", sessionID)
				return nil
			}
			return err
		}
		o.publishStatus(sessionID, "", store.SessionRunning)
	}
	// A session read as Running reaches here directly: redelivery after a
	// crash resumes from the checkpoints.

	payload, err := ParsePayload(sess.Payload)
	if err != nil {
		o.finalize(sessionID, store.SessionFailed, "", err)
		return nil
	}

	providerName := payload.Provider
	if providerName == "" {
		providerName = o.defaultProvider
	}
	client, err := o.registry.Get(providerName)
	if err != nil {
		o.finalize(sessionID, store.SessionFailed, "", err)
		return nil
	}

	r := &run{
		sessionID: sessionID,
		mode:      sess.Mode,
		payload:   payload,
		client:    client,
		artifacts: make(map[string]string, len(Stages)),
	}

	for ordinal, stage := range Stages {
		if err := o.checkCancel(sessionID); err != nil {
			if !errors.Is(err, ErrCancelled) {
				// A store read failure is not a cancellation; leave the
				// session Running for redelivery.
				return err
			}
			o.finalize(sessionID, store.SessionCancelled, "", err)
			return nil
		}

		// Checkpointed stages are never re-executed.
		artifact, done, err := o.store.SucceededArtifact(sessionID, stage)
		if err != nil {
			return err
		}
		if done {
			o.logger.Debug("session %s resuming past succeeded stage %s", sessionID, stage)
			r.artifacts[stage] = artifact
			continue
		}

		if err := o.store.SetStage(sessionID, stage); err != nil {
			return err
		}
		o.publishStatus(sessionID, stage, "started")

		artifact, err = o.executeStage(ctx, r, stage, ordinal)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				o.finalize(sessionID, store.SessionCancelled, "", err)
			} else {
				o.finalize(sessionID, store.SessionFailed, "", err)
			}
			return nil
		}
		r.artifacts[stage] = artifact
		o.publishStatus(sessionID, stage, "succeeded")
	}

	o.finalize(sessionID, store.SessionCompleted, r.artifacts[StagePersist], nil)
	return nil
}

// executeStage runs one stage under the bounded retry policy. Each attempt
// is recorded before it runs and finalized with its outcome, so the audit
// trail survives a crash mid-attempt.
func (o *Orchestrator) executeStage(ctx context.Context, r *run, stage string, ordinal int) (string, error) {
	fn := o.stageFunc(stage)
	if fn == nil {
		return "", Permanent(fmt.Errorf("unknown stage %q", stage))
	}

	var lastErr error
	for {
		attempt, err := o.store.NextAttemptNumber(r.sessionID, stage)
		if err != nil {
			return "", err
		}
		if attempt > o.maxAttempts {
			if lastErr == nil {
				return "", Permanent(fmt.Errorf("stage %s exhausted %d attempts", stage, o.maxAttempts))
			}
			return "", Permanent(fmt.Errorf("stage %s exhausted %d attempts: %w", stage, o.maxAttempts, lastErr))
		}

		if err := o.store.BeginStageAttempt(r.sessionID, stage, ordinal, attempt); err != nil {
			return "", err
		}

		start := time.Now()
		artifact, err := fn(ctx, r)
		if err == nil {
			metrics.ObserveStage(stage, store.AttemptSucceeded, time.Since(start))
			if err := o.store.FinishStageAttempt(r.sessionID, stage, attempt, store.AttemptSucceeded, artifact, ""); err != nil {
				return "", err
			}
			o.store.LogAction(r.sessionID, "stage_succeeded", stage,
				map[string]any{"attempt": attempt}, false)
			return artifact, nil
		}
		metrics.ObserveStage(stage, store.AttemptFailed, time.Since(start))

		if finishErr := o.store.FinishStageAttempt(r.sessionID, stage, attempt, store.AttemptFailed, "", err.Error()); finishErr != nil {
			o.logger.Error("failed to record attempt outcome for %s/%s: %v", r.sessionID, stage, finishErr)
		}
		o.store.LogAction(r.sessionID, "stage_failed", stage,
			map[string]any{"attempt": attempt, "error": err.Error()}, true)

		if errors.Is(err, ErrCancelled) || IsPermanent(err) {
			return "", err
		}
		lastErr = err

		if attempt >= o.maxAttempts {
			return "", Permanent(fmt.Errorf("stage %s exhausted %d attempts: %w", stage, o.maxAttempts, lastErr))
		}

		backoff := o.backoffFor(attempt)
		o.logger.Warn("session %s stage %s attempt %d failed (%v), retrying in %s",
			r.sessionID, stage, attempt, err, backoff.Round(time.Millisecond))
		o.sleep(backoff)

		if err := o.checkCancel(r.sessionID); err != nil {
			return "", err
		}
	}
}

// backoffFor returns the delay before the attempt after this one, with
// jitter so retry storms across sessions spread out.
func (o *Orchestrator) backoffFor(attempt int) time.Duration {
	base := float64(o.backoffInitial) * math.Pow(o.backoffFactor, float64(attempt-1))
	jitter := 0.75 + rand.Float64()*0.5 //nolint:gosec // jitter needs no crypto strength
	return time.Duration(base * jitter)
}

// checkCancel polls the cooperative cancellation flag. It returns
// ErrCancelled when the flag is set; a store read failure passes through
// unchanged and callers must not treat it as a cancellation.
func (o *Orchestrator) checkCancel(sessionID string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.CancelRequested {
		return ErrCancelled
	}
	return nil
}

// finalize moves the session to a terminal state, emits the terminal event,
// and releases the session's live event stream. A stale CAS here means
// another worker finalized first, which is fine.
func (o *Orchestrator) finalize(sessionID, terminal, artifactRef string, cause error) {
	errorDetail := ""
	if cause != nil {
		errorDetail = cause.Error()
	}

	err := o.store.FinalizeSession(sessionID, store.SessionRunning, terminal, artifactRef, errorDetail)
	if err != nil && !errors.Is(err, store.ErrStaleStatus) {
		o.logger.Error("failed to finalize session %s as %s: %v", sessionID, terminal, err)
		return
	}
	if err == nil {
		o.store.LogAction(sessionID, "session_"+terminal, errorDetail, nil, terminal == store.SessionFailed)
		if terminal == store.SessionFailed {
			o.publishError(sessionID, errorDetail)
		}
		o.publishStatus(sessionID, "", terminal)
		o.logger.Info("session %s finalized: %s", sessionID, terminal)
	}
	o.bus.CloseSession(sessionID)
}

type statusEvent struct {
	Stage string `json:"stage,omitempty"`
	State string `json:"state"`
}

func (o *Orchestrator) publishStatus(sessionID, stage, state string) {
	raw, err := json.Marshal(statusEvent{Stage: stage, State: state})
	if err != nil {
		return
	}
	if _, err := o.bus.Publish(sessionID, eventbus.EventStatus, string(raw)); err != nil {
		o.logger.Warn("failed to publish status event for %s: %v", sessionID, err)
	}
}

func (o *Orchestrator) publishError(sessionID, detail string) {
	if _, err := o.bus.Publish(sessionID, eventbus.EventError, detail); err != nil {
		o.logger.Warn("failed to publish error event for %s: %v", sessionID, err)
	}
}

// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package syncer orchestrates queue draining: it executes pending
// actions through the remote executor in enqueue order, applies the
// retry policy on failure, resolves temporary identifiers on successful
// creations, and keeps the cache and subscribers up to date.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/1mansurr/elaro-sync/internal/cache"
	"github.com/1mansurr/elaro-sync/internal/connectivity"
	"github.com/1mansurr/elaro-sync/internal/logging"
	"github.com/1mansurr/elaro-sync/internal/queue"
	"github.com/1mansurr/elaro-sync/internal/remote"
	"github.com/1mansurr/elaro-sync/internal/tempid"
)

// Config controls the retry policy and drain scheduling.
type Config struct {
	// BaseRetryDelay is the first backoff step.
	BaseRetryDelay time.Duration `koanf:"base_retry_delay"`

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration `koanf:"max_retry_delay"`

	// MaxAttempts is the per-action execution budget before the action
	// goes terminal.
	MaxAttempts int `koanf:"max_attempts" validate:"omitempty,min=1"`

	// RetryInterval is how often the background loop re-checks for
	// actions whose backoff has elapsed.
	RetryInterval time.Duration `koanf:"retry_interval"`
}

// DefaultConfig returns production retry defaults.
func DefaultConfig() Config {
	return Config{
		BaseRetryDelay: 6 * time.Second,
		MaxRetryDelay:  5 * time.Minute,
		MaxAttempts:    10,
		RetryInterval:  30 * time.Second,
	}
}

// Outcome is the per-action result of one drain run.
type Outcome struct {
	ActionID string          `json:"action_id"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// EnqueueRequest describes a mutation to queue.
type EnqueueRequest struct {
	Kind       queue.Kind
	EntityType string
	Payload    json.RawMessage
	OwnerID    string

	// SyncImmediately triggers an async drain when currently online.
	SyncImmediately bool
}

// Manager drives the sync queue. At most one drain runs at a time; a
// call to ProcessQueue while a run is active is a no-op.
type Manager struct {
	cfg      Config
	queue    *queue.Queue
	resolver *tempid.Resolver
	executor remote.Executor
	registry *remote.Registry
	monitor  connectivity.Monitor
	cache    *cache.Manager

	// runMu serializes drain runs.
	runMu sync.Mutex

	mu          sync.Mutex
	running     bool
	stopChan    chan struct{}
	kickChan    chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
	now         func() time.Time

	subMu        sync.Mutex
	nextSub      int
	subs         map[int]func(queue.Stats)
	nextDrainSub int
	drainSubs    map[int]func([]Outcome)
}

// New assembles a manager. cacheMgr may be nil when the host does not
// keep a read cache.
func New(cfg Config, q *queue.Queue, resolver *tempid.Resolver, executor remote.Executor, registry *remote.Registry, monitor connectivity.Monitor, cacheMgr *cache.Manager) *Manager {
	def := DefaultConfig()
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	return &Manager{
		cfg:      cfg,
		queue:    q,
		resolver: resolver,
		executor: executor,
		registry: registry,
		monitor:  monitor,
		cache:    cacheMgr,
		kickChan:  make(chan struct{}, 1),
		now:       time.Now,
		subs:      make(map[int]func(queue.Stats)),
		drainSubs: make(map[int]func([]Outcome)),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manager) clock() func() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Enqueue persists a mutation intent. For creations without a
// server-assigned id a temporary id is generated and injected into the
// payload so the caller can render the record optimistically; the
// returned action carries the final payload.
//
// Persistence failures propagate: losing an intent silently is not
// acceptable.
func (m *Manager) Enqueue(req EnqueueRequest) (*queue.Action, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("invalid action kind %q", req.Kind)
	}
	if req.EntityType == "" {
		return nil, errors.New("entity type is required")
	}

	payload := req.Payload
	tempID := ""
	if req.Kind == queue.KindCreate {
		var err error
		payload, tempID, err = ensureTempID(payload)
		if err != nil {
			return nil, fmt.Errorf("preparing create payload: %w", err)
		}
	}

	action := &queue.Action{
		ID:         uuid.New().String(),
		Kind:       req.Kind,
		EntityType: req.EntityType,
		Payload:    payload,
		OwnerID:    req.OwnerID,
		Status:     queue.StatusPending,
		TempID:     tempID,
	}

	if err := m.queue.Append(action); err != nil {
		return nil, fmt.Errorf("persisting action: %w", err)
	}

	logging.Debug().
		Str("action_id", action.ID).
		Str("kind", string(action.Kind)).
		Str("entity_type", action.EntityType).
		Bool("sync_immediately", req.SyncImmediately).
		Msg("Action enqueued")

	m.notifySubscribers()

	if req.SyncImmediately && m.monitor.IsOnline() {
		m.kick()
	}
	return action, nil
}

// ensureTempID injects a generated temporary id into a create payload
// that has no id yet. An id already present is kept; a temp-form id is
// reported back so the action records it.
func ensureTempID(payload json.RawMessage) (json.RawMessage, string, error) {
	doc := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, "", err
		}
	}

	if raw, ok := doc["id"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			if tempid.IsTempID(id) {
				return payload, id, nil
			}
			return payload, "", nil
		}
	}

	id := tempid.New()
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, "", err
	}
	doc["id"] = encoded
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, "", err
	}
	return out, id, nil
}

// ProcessQueue drains every currently eligible action in enqueue order
// and returns the per-action outcomes. A re-entrant call while a run is
// active returns nil immediately. Offline, it returns an empty list
// with no side effects.
//
// The returned error covers only queue persistence failures; per-action
// execution failures are captured in the outcomes.
func (m *Manager) ProcessQueue(ctx context.Context) ([]Outcome, error) {
	if !m.runMu.TryLock() {
		logging.Debug().Msg("Drain already in progress, skipping")
		return nil, nil
	}
	defer m.runMu.Unlock()

	if !m.monitor.IsOnline() {
		return []Outcome{}, nil
	}

	start := time.Now()
	runsTotal.Inc()

	snapshot, err := m.queue.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	now := m.clock()()
	outcomes := make([]Outcome, 0, len(snapshot))
	for _, a := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if !eligible(a, now) {
			continue
		}
		if outcome, executed := m.executeAction(ctx, a); executed {
			outcomes = append(outcomes, outcome)
		}
	}

	runDuration.Observe(time.Since(start).Seconds())
	if len(outcomes) > 0 {
		m.notifySubscribers()
		m.notifyDrainSubscribers(outcomes)
	}
	return outcomes, nil
}

// eligible reports whether an action may be attempted now. In-flight
// actions and actions still inside their backoff window are skipped;
// terminal failures wait for a manual retry.
func eligible(a *queue.Action, now time.Time) bool {
	if a.Status != queue.StatusPending {
		return false
	}
	if a.NextRetryAt != nil && now.Before(*a.NextRetryAt) {
		return false
	}
	return true
}

// executeAction runs one attempt of one action. The bool result is
// false when the action was skipped without an attempt.
func (m *Manager) executeAction(ctx context.Context, a *queue.Action) (Outcome, bool) {
	syncing := queue.StatusSyncing
	if _, err := m.queue.UpdateStatus(a.ID, queue.Patch{Status: &syncing}); err != nil {
		// Removed by a concurrent clear or discard.
		if errors.Is(err, queue.ErrActionNotFound) {
			return Outcome{}, false
		}
		logging.Error().Err(err).Str("action_id", a.ID).Msg("Failed to mark action syncing")
		return Outcome{}, false
	}

	payload, unresolved := m.resolveRefs(a)
	if len(unresolved) > 0 {
		// The creation these references depend on has not synced yet.
		// Put the action back and let a later run pick it up.
		pending := queue.StatusPending
		if _, err := m.queue.UpdateStatus(a.ID, queue.Patch{Status: &pending}); err != nil {
			logging.Error().Err(err).Str("action_id", a.ID).Msg("Failed to requeue action")
		}
		logging.Debug().
			Str("action_id", a.ID).
			Strs("unresolved", unresolved).
			Msg("Action deferred, references unsynced records")
		actionsTotal.WithLabelValues("deferred").Inc()
		return Outcome{}, false
	}

	resolved := a.Clone()
	resolved.Payload = payload

	call, err := m.registry.Build(*resolved)
	if err != nil {
		return m.recordFailure(resolved, err), true
	}

	result, err := m.executor.Execute(ctx, call)
	if err != nil {
		return m.recordFailure(resolved, err), true
	}
	return m.recordSuccess(resolved, result), true
}

// resolveRefs maps every known temporary id in the payload to its real
// id and returns the temp ids that remain unresolved. The action's own
// temp id is not a reference and is left for the backend to replace.
func (m *Manager) resolveRefs(a *queue.Action) (json.RawMessage, []string) {
	payload := m.resolver.ResolvePayload(a.Payload)
	unresolved := m.resolver.UnresolvedRefs(payload)
	if a.TempID != "" {
		filtered := unresolved[:0]
		for _, id := range unresolved {
			if id != a.TempID {
				filtered = append(filtered, id)
			}
		}
		unresolved = filtered
	}
	return payload, unresolved
}

func (m *Manager) recordSuccess(a *queue.Action, result json.RawMessage) Outcome {
	realID := extractID(result)

	if a.Kind == queue.KindCreate && a.TempID != "" {
		if realID == "" {
			logging.Warn().Str("action_id", a.ID).Msg("Create response carries no id, temp id left unresolved")
		} else if err := m.resolver.Record(a.TempID, realID); err != nil {
			logging.Error().Err(err).Str("action_id", a.ID).Msg("Failed to record id mapping")
		}
	}

	// Cache refresh is best effort.
	if m.cache != nil && realID != "" && len(result) > 0 {
		m.cache.Set(a.EntityType+":"+realID, result)
	}

	if err := m.queue.Remove(a.ID); err != nil && !errors.Is(err, queue.ErrActionNotFound) {
		logging.Error().Err(err).Str("action_id", a.ID).Msg("Failed to remove synced action")
	}

	logging.Info().
		Str("action_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("entity_type", a.EntityType).
		Msg("Action synced")
	actionsTotal.WithLabelValues("success").Inc()

	return Outcome{ActionID: a.ID, Success: true, Result: result}
}

func (m *Manager) recordFailure(a *queue.Action, execErr error) Outcome {
	attempts := a.AttemptCount + 1
	errText := execErr.Error()

	patch := queue.Patch{
		AttemptCount: &attempts,
		LastError:    &errText,
	}

	if remote.Retryable(execErr) && attempts < m.cfg.MaxAttempts {
		delay := calculateBackoff(m.cfg.BaseRetryDelay, m.cfg.MaxRetryDelay, a.AttemptCount)
		retryAt := m.clock()().Add(delay)
		pending := queue.StatusPending
		patch.Status = &pending
		patch.NextRetryAt = &retryAt

		logging.Warn().
			Err(execErr).
			Str("action_id", a.ID).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("Action failed, will retry")
		actionsTotal.WithLabelValues("retry").Inc()
	} else {
		failed := queue.StatusFailed
		patch.Status = &failed
		patch.ClearNextRetry = true

		logging.Error().
			Err(execErr).
			Str("action_id", a.ID).
			Str("error_kind", remote.KindOf(execErr).String()).
			Int("attempt", attempts).
			Msg("Action failed terminally, manual retry required")
		actionsTotal.WithLabelValues("failed").Inc()
	}

	if _, err := m.queue.UpdateStatus(a.ID, patch); err != nil && !errors.Is(err, queue.ErrActionNotFound) {
		logging.Error().Err(err).Str("action_id", a.ID).Msg("Failed to record action failure")
	}

	return Outcome{ActionID: a.ID, Success: false, Error: errText}
}

// extractID pulls the record identifier out of a procedure response.
// Backends answer either {"id": ...} or {"data": {"id": ...}}.
func extractID(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var envelope struct {
		ID   string `json:"id"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return ""
	}
	if envelope.ID != "" {
		return envelope.ID
	}
	return envelope.Data.ID
}

// Start recovers actions stranded in-flight by a crash, subscribes to
// connectivity transitions, and launches the retry loop. An
// online transition and every retry tick trigger a drain.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("sync manager already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	if err := m.recoverInFlight(); err != nil {
		logging.Error().Err(err).Msg("Startup queue recovery failed")
	}

	m.mu.Lock()
	m.unsubscribe = m.monitor.Subscribe(func(online bool) {
		if online {
			logging.Info().Msg("Back online, draining queue")
			m.kick()
		}
	})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)

	logging.Info().
		Dur("retry_interval", m.cfg.RetryInterval).
		Int("max_attempts", m.cfg.MaxAttempts).
		Msg("Sync manager started")

	if m.monitor.IsOnline() {
		m.kick()
	}
	return nil
}

// Stop disables automatic triggers and waits for the loop to exit. An
// in-flight drain finishes naturally.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info().Msg("Sync manager stopped")
	return nil
}

// recoverInFlight demotes actions a previous process left in the
// syncing state. The idempotency key makes re-execution safe.
func (m *Manager) recoverInFlight() error {
	snapshot, err := m.queue.Snapshot()
	if err != nil {
		return err
	}
	pending := queue.StatusPending
	recovered := 0
	for _, a := range snapshot {
		if a.Status != queue.StatusSyncing {
			continue
		}
		if _, err := m.queue.UpdateStatus(a.ID, queue.Patch{Status: &pending}); err != nil {
			return err
		}
		recovered++
	}
	if recovered > 0 {
		logging.Warn().Int("count", recovered).Msg("Recovered in-flight actions from previous run")
	}
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	m.mu.Lock()
	stopChan := m.stopChan
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-m.kickChan:
		case <-ticker.C:
		}
		if _, err := m.ProcessQueue(ctx); err != nil {
			logging.Error().Err(err).Msg("Queue drain failed")
		}
	}
}

// kick schedules a drain without blocking. A drain already scheduled
// absorbs the kick.
func (m *Manager) kick() {
	select {
	case m.kickChan <- struct{}{}:
	default:
	}
}

// GetQueue returns the full ordered queue.
func (m *Manager) GetQueue() ([]*queue.Action, error) {
	return m.queue.Snapshot()
}

// GetQueueStats returns per-status counts.
func (m *Manager) GetQueueStats() (queue.Stats, error) {
	return m.queue.Stats()
}

// Retry resets a failed action for another attempt cycle and schedules
// a drain if online.
func (m *Manager) Retry(actionID string) error {
	pending := queue.StatusPending
	zero := 0
	empty := ""
	_, err := m.queue.UpdateStatus(actionID, queue.Patch{
		Status:         &pending,
		AttemptCount:   &zero,
		ClearNextRetry: true,
		LastError:      &empty,
	})
	if err != nil {
		return err
	}
	m.notifySubscribers()
	if m.monitor.IsOnline() {
		m.kick()
	}
	return nil
}

// Discard removes an action without executing it.
func (m *Manager) Discard(actionID string) error {
	if err := m.queue.Remove(actionID); err != nil {
		return err
	}
	m.notifySubscribers()
	return nil
}

// ClearQueue drops every queued action, optionally scoped to one owner.
// Used on sign-out; an in-flight run finishes naturally.
func (m *Manager) ClearQueue(ownerID string) (int, error) {
	n, err := m.queue.Clear(ownerID)
	if err != nil {
		return 0, err
	}
	logging.Info().Int("cleared", n).Str("owner_id", ownerID).Msg("Queue cleared")
	m.notifySubscribers()
	return n, nil
}

// Subscribe registers fn for queue statistics updates. fn runs after
// every enqueue, drain, and manual queue mutation. The returned func
// cancels the subscription.
func (m *Manager) Subscribe(fn func(queue.Stats)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// SubscribeDrains registers fn for the per-action outcomes of each
// drain run that executed at least one action. The returned func
// cancels the subscription.
func (m *Manager) SubscribeDrains(fn func([]Outcome)) func() {
	m.subMu.Lock()
	id := m.nextDrainSub
	m.nextDrainSub++
	m.drainSubs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.drainSubs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notifyDrainSubscribers(outcomes []Outcome) {
	m.subMu.Lock()
	fns := make([]func([]Outcome), 0, len(m.drainSubs))
	for _, fn := range m.drainSubs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(outcomes)
	}
}

func (m *Manager) notifySubscribers() {
	stats, err := m.queue.Stats()
	if err != nil {
		logging.Error().Err(err).Msg("Failed to read queue stats for subscribers")
		return
	}

	m.subMu.Lock()
	fns := make([]func(queue.Stats), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(stats)
	}
}

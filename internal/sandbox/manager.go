package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/observability"
)

// expirationSignatures are the known error-message substrings the remote
// service emits when a sandbox has been invalidated server-side. The service
// reports untyped errors, so substring matching is the only available
// classification; keep the list in one place and behind IsExpired.
var expirationSignatures = []string{
	"sandbox is not open",
	"sandbox not found",
	"cannot be found",
}

// IsExpired reports whether err indicates server-side sandbox expiration.
// Matching is case-insensitive substring search against the fixed signature set.
func IsExpired(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range expirationSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Operation is a single action executed against a live sandbox handle.
type Operation func(ctx context.Context, h Handle) (any, error)

// Manager owns the handle cache and the recovery policy.
//
// Invariant: at most one live handle is cached per conversation id. The cache
// map is guarded by mu; each entry carries its own mutex so operations for
// different conversations proceed concurrently while operations for the same
// conversation are mutually exclusive.
type Manager struct {
	service Service
	logger  *slog.Logger
	metrics *observability.MetricsCollector // nil = metrics disabled

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	handle   Handle // nil when no live handle exists
	lastUsed time.Time
}

// NewManager creates a lifecycle manager on top of the given service.
func NewManager(service Service, logger *slog.Logger) *Manager {
	return &Manager{
		service: service,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// WithMetrics attaches a metrics collector.
func (m *Manager) WithMetrics(mc *observability.MetricsCollector) *Manager {
	m.metrics = mc
	return m
}

// lockEntry returns the conversation's entry with its lock held.
// The caller must release entry.mu.
func (m *Manager) lockEntry(conversationID string) *entry {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	if !ok {
		e = &entry{}
		m.entries[conversationID] = e
	}
	m.mu.Unlock()
	e.mu.Lock()
	return e
}

// Acquire returns the cached live handle for the conversation, reconnects to
// rememberedID when one is supplied, or creates a fresh sandbox. Reconnection
// failure is non-fatal and falls through to creation.
func (m *Manager) Acquire(ctx context.Context, conversationID, rememberedID string) (Handle, error) {
	e := m.lockEntry(conversationID)
	defer e.mu.Unlock()
	return m.acquireLocked(ctx, e, conversationID, rememberedID)
}

// acquireLocked implements Acquire with e.mu already held.
func (m *Manager) acquireLocked(ctx context.Context, e *entry, conversationID, rememberedID string) (Handle, error) {
	if e.handle != nil {
		e.lastUsed = time.Now()
		return e.handle, nil
	}

	if rememberedID != "" {
		h, err := m.service.Reconnect(ctx, rememberedID)
		if err == nil {
			e.handle = h
			e.lastUsed = time.Now()
			m.recordSandboxOp("reconnect")
			m.trackActive(1)
			return h, nil
		}
		// Stale identifier: fall through to creation.
		m.logger.WarnContext(ctx, "sandbox reconnect failed, creating new sandbox",
			slog.String("conversation_id", conversationID),
			slog.String("sandbox_id", rememberedID),
			slog.String("error", err.Error()),
		)
	}

	h, err := m.service.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	e.handle = h
	e.lastUsed = time.Now()
	m.recordSandboxOp("create")
	m.trackActive(1)
	return h, nil
}

// ExecuteWithRecovery runs op against the conversation's sandbox. When op
// fails with an expiration-signature error, the stale handle is evicted, a
// brand-new sandbox is created (rememberedID is ignored on the retry), and op
// runs exactly once more. The retry's error propagates unmodified. Errors that
// do not match the expiration signatures propagate immediately.
//
// Returns the operation result and the identifier of the sandbox it ran
// against, which differs from rememberedID when recovery occurred.
func (m *Manager) ExecuteWithRecovery(ctx context.Context, conversationID, rememberedID string, op Operation) (any, string, error) {
	e := m.lockEntry(conversationID)
	defer e.mu.Unlock()

	h, err := m.acquireLocked(ctx, e, conversationID, rememberedID)
	if err != nil {
		return nil, "", err
	}

	result, err := op(ctx, h)
	if err == nil {
		e.lastUsed = time.Now()
		return result, h.ID(), nil
	}
	if !IsExpired(err) {
		return nil, h.ID(), err
	}

	// The remote side already invalidated the handle; evict and recreate.
	m.logger.WarnContext(ctx, "sandbox expired, retrying with new sandbox",
		slog.String("conversation_id", conversationID),
		slog.String("sandbox_id", h.ID()),
		slog.String("error", err.Error()),
	)
	e.handle = nil
	m.trackActive(-1)
	m.recordSandboxOp("recovery")

	fresh, err := m.acquireLocked(ctx, e, conversationID, "")
	if err != nil {
		return nil, "", err
	}

	result, err = op(ctx, fresh)
	if err != nil {
		// Single-retry policy: the retry's error propagates as-is.
		return nil, fresh.ID(), err
	}
	e.lastUsed = time.Now()
	m.logger.InfoContext(ctx, "sandbox operation retried successfully",
		slog.String("conversation_id", conversationID),
		slog.String("sandbox_id", fresh.ID()),
	)
	return result, fresh.ID(), nil
}

// SandboxID returns the identifier of the conversation's live handle, or ""
// when no handle is cached.
func (m *Manager) SandboxID(conversationID string) string {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	m.mu.Unlock()
	if !ok {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return ""
	}
	return e.handle.ID()
}

// Release closes and evicts the conversation's handle. Close failure is
// swallowed — the handle is evicted regardless.
func (m *Manager) Release(ctx context.Context, conversationID string) {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	if ok {
		delete(m.entries, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	h := e.handle
	e.handle = nil
	e.mu.Unlock()
	if h == nil {
		return
	}
	m.trackActive(-1)

	if err := h.Close(ctx); err != nil {
		m.logger.WarnContext(ctx, "sandbox close failed",
			slog.String("conversation_id", conversationID),
			slog.String("sandbox_id", h.ID()),
			slog.String("error", err.Error()),
		)
	}
	m.recordSandboxOp("release")
}

// ReleaseIdle closes handles that have not been used within ttl.
// Returns the number of handles released.
func (m *Manager) ReleaseIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	snapshot := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		snapshot[id] = e
	}
	m.mu.Unlock()

	released := 0
	for id, e := range snapshot {
		// TryLock: a conversation mid-turn holds its entry lock for the whole
		// operation; skip it rather than stall the sweeper behind it.
		if !e.mu.TryLock() {
			continue
		}
		idle := e.handle != nil && e.lastUsed.Before(cutoff)
		e.mu.Unlock()
		if idle {
			m.Release(ctx, id)
			released++
		}
	}
	return released
}

func (m *Manager) recordSandboxOp(op string) {
	if m.metrics != nil {
		m.metrics.SandboxLifecycleTotal.WithLabelValues(op).Inc()
	}
}

// trackActive moves the live-handle gauge by delta.
func (m *Manager) trackActive(delta float64) {
	if m.metrics != nil {
		m.metrics.ActiveSandboxes.Add(delta)
	}
}

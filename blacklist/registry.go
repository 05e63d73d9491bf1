// Package blacklist implements the scheduler's blacklist registry
// (spec §4.3): a bounded set of temporarily or permanently excluded
// targets, consulted by the load balancer before a target is selected
// and written to by the Error Response Center when a PipelineError's
// recovery action calls for it.
package blacklist

import (
	"context"
	"sync"
	"time"

	"github.com/modelgw/gateway/core"
)

// Entry records why a target was excluded and for how long. A nil
// ExpiresAt means the entry is permanent and only removed by an explicit
// Remove call.
type Entry struct {
	TargetID  string     `json:"target_id"`
	Code      int        `json:"code"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Permanent reports whether the entry never expires on its own.
func (e *Entry) Permanent() bool {
	return e.ExpiresAt == nil
}

// Expired reports whether a temporary entry's TTL has elapsed as of now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Mirror persists blacklist entries to a durable backend so a second
// process (or a restarted one) observes the same exclusions. The
// in-memory Registry is always authoritative for IsBlacklisted checks;
// a Mirror failure is logged and never blocks a scheduling decision.
type Mirror interface {
	Save(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, targetID string) error
	LoadAll(ctx context.Context) ([]*Entry, error)
}

// Registry is the in-memory blacklist, optionally backed by a Mirror.
// MaxSize bounds memory use: once exceeded, the entry nearest to expiry
// is evicted to make room (permanent entries are never auto-evicted;
// if every entry is permanent and the registry is still over MaxSize,
// Add refuses the new entry and returns false).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	maxSize int
	logger  core.Logger
	mirror  Mirror
}

// NewRegistry creates a Registry bounded at maxSize entries. A maxSize of
// 0 means unbounded. mirror may be nil to disable durable mirroring.
func NewRegistry(maxSize int, logger core.Logger, mirror Mirror) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		entries: make(map[string]*Entry),
		maxSize: maxSize,
		logger:  logger,
		mirror:  mirror,
	}
}

// LoadFromMirror seeds the registry from the durable mirror at startup,
// dropping any entries that have already expired.
func (r *Registry) LoadFromMirror(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	entries, err := r.mirror.LoadAll(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		r.entries[e.TargetID] = e
	}
	return nil
}

// Add blacklists targetID. A zero ttl creates a permanent entry. Returns
// false if the registry is at capacity and no entry could be evicted to
// make room.
func (r *Registry) Add(ctx context.Context, targetID string, code int, reason string, ttl time.Duration) bool {
	now := time.Now()
	entry := &Entry{
		TargetID:  targetID,
		Code:      code,
		Reason:    reason,
		CreatedAt: now,
	}
	if ttl != 0 {
		expiresAt := now.Add(ttl)
		entry.ExpiresAt = &expiresAt
	}

	r.mu.Lock()
	if _, exists := r.entries[targetID]; !exists && r.maxSize > 0 && len(r.entries) >= r.maxSize {
		if !r.evictNearestToExpiryLocked() {
			r.mu.Unlock()
			r.logger.Warn("blacklist registry at capacity, entry dropped", map[string]interface{}{
				"target_id": targetID,
				"max_size":  r.maxSize,
			})
			return false
		}
	}
	r.entries[targetID] = entry
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Save(ctx, entry); err != nil {
			r.logger.Warn("blacklist mirror save failed", map[string]interface{}{
				"target_id": targetID,
				"error":     err.Error(),
			})
		}
	}
	return true
}

// evictNearestToExpiryLocked removes the temporary entry with the
// soonest expiry. Callers must hold r.mu. Returns false if every entry
// is permanent (nothing evictable).
func (r *Registry) evictNearestToExpiryLocked() bool {
	var victim string
	var soonest *time.Time

	for id, e := range r.entries {
		if e.Permanent() {
			continue
		}
		if soonest == nil || e.ExpiresAt.Before(*soonest) {
			soonest = e.ExpiresAt
			victim = id
		}
	}
	if victim == "" {
		return false
	}
	delete(r.entries, victim)
	return true
}

// IsBlacklisted reports whether targetID is currently excluded. Expired
// temporary entries are treated as not-blacklisted but are left for the
// next Cleanup pass rather than removed eagerly on every read.
func (r *Registry) IsBlacklisted(targetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[targetID]
	if !ok {
		return false
	}
	return !entry.Expired(time.Now())
}

// Remove clears any blacklist entry for targetID, temporary or permanent.
func (r *Registry) Remove(ctx context.Context, targetID string) {
	r.mu.Lock()
	delete(r.entries, targetID)
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Delete(ctx, targetID); err != nil {
			r.logger.Warn("blacklist mirror delete failed", map[string]interface{}{
				"target_id": targetID,
				"error":     err.Error(),
			})
		}
	}
}

// Cleanup removes every expired temporary entry and returns how many
// were removed. Intended to be called on a ticker (spec §4.3 cleanup
// timer, CleanupInterval from GatewayConfig).
func (r *Registry) Cleanup(ctx context.Context) int {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, e := range r.entries {
		if e.Expired(now) {
			expired = append(expired, id)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		if r.mirror != nil {
			if err := r.mirror.Delete(ctx, id); err != nil {
				r.logger.Warn("blacklist mirror delete failed during cleanup", map[string]interface{}{
					"target_id": id,
					"error":     err.Error(),
				})
			}
		}
	}
	return len(expired)
}

// List returns a snapshot of every current entry, for diagnostics.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		copied := *e
		out = append(out, &copied)
	}
	return out
}

// Size returns the current number of tracked entries, including expired
// ones not yet reaped by Cleanup.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

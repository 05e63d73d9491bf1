package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	saved   map[string]*Entry
	deleted []string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{saved: make(map[string]*Entry)}
}

func (f *fakeMirror) Save(ctx context.Context, entry *Entry) error {
	f.saved[entry.TargetID] = entry
	return nil
}

func (f *fakeMirror) Delete(ctx context.Context, targetID string) error {
	f.deleted = append(f.deleted, targetID)
	delete(f.saved, targetID)
	return nil
}

func (f *fakeMirror) LoadAll(ctx context.Context) ([]*Entry, error) {
	out := make([]*Entry, 0, len(f.saved))
	for _, e := range f.saved {
		out = append(out, e)
	}
	return out, nil
}

func TestRegistry_AddAndIsBlacklisted(t *testing.T) {
	r := NewRegistry(0, nil, nil)
	ctx := context.Background()

	assert.False(t, r.IsBlacklisted("target-a"))

	ok := r.Add(ctx, "target-a", 7001, "rate limited", time.Minute)
	require.True(t, ok)
	assert.True(t, r.IsBlacklisted("target-a"))
}

func TestRegistry_PermanentEntry(t *testing.T) {
	r := NewRegistry(0, nil, nil)
	ctx := context.Background()

	r.Add(ctx, "target-a", 11002, "invalid token", 0)
	entries := r.List()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Permanent())
}

func TestRegistry_CleanupRemovesExpired(t *testing.T) {
	r := NewRegistry(0, nil, nil)
	ctx := context.Background()

	r.Add(ctx, "target-a", 7001, "rate limited", -time.Second) // already expired
	r.Add(ctx, "target-b", 11002, "invalid token", 0)           // permanent

	removed := r.Cleanup(ctx)
	assert.Equal(t, 1, removed)
	assert.False(t, r.IsBlacklisted("target-a"))
	assert.True(t, r.IsBlacklisted("target-b"))
}

func TestRegistry_EvictsNearestToExpiryWhenFull(t *testing.T) {
	r := NewRegistry(2, nil, nil)
	ctx := context.Background()

	r.Add(ctx, "target-a", 7001, "rate limited", 10*time.Minute)
	r.Add(ctx, "target-b", 7001, "rate limited", time.Minute) // expires soonest

	ok := r.Add(ctx, "target-c", 7001, "rate limited", 5*time.Minute)
	require.True(t, ok)

	assert.False(t, r.IsBlacklisted("target-b"))
	assert.True(t, r.IsBlacklisted("target-a"))
	assert.True(t, r.IsBlacklisted("target-c"))
}

func TestRegistry_RefusesWhenAllPermanentAndFull(t *testing.T) {
	r := NewRegistry(1, nil, nil)
	ctx := context.Background()

	r.Add(ctx, "target-a", 11002, "invalid token", 0)
	ok := r.Add(ctx, "target-b", 11002, "invalid token", 0)

	assert.False(t, ok)
	assert.True(t, r.IsBlacklisted("target-a"))
	assert.False(t, r.IsBlacklisted("target-b"))
}

func TestRegistry_Remove(t *testing.T) {
	mirror := newFakeMirror()
	r := NewRegistry(0, nil, mirror)
	ctx := context.Background()

	r.Add(ctx, "target-a", 7001, "rate limited", time.Minute)
	require.True(t, r.IsBlacklisted("target-a"))

	r.Remove(ctx, "target-a")
	assert.False(t, r.IsBlacklisted("target-a"))
	assert.Contains(t, mirror.deleted, "target-a")
}

func TestRegistry_LoadFromMirror(t *testing.T) {
	mirror := newFakeMirror()
	future := time.Now().Add(time.Hour)
	mirror.saved["target-a"] = &Entry{TargetID: "target-a", Code: 7001, ExpiresAt: &future}

	past := time.Now().Add(-time.Hour)
	mirror.saved["target-b"] = &Entry{TargetID: "target-b", Code: 7001, ExpiresAt: &past}

	r := NewRegistry(0, nil, mirror)
	require.NoError(t, r.LoadFromMirror(context.Background()))

	assert.True(t, r.IsBlacklisted("target-a"))
	assert.False(t, r.IsBlacklisted("target-b"))
}

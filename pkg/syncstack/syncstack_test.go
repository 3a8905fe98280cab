package syncstack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeltaer is an in-memory Deltaer for exercising the sync stack's
// layer bookkeeping without a real worker/agent.
type fakeDeltaer struct {
	mu      sync.Mutex
	syncTag int
	syncing bool
}

func (f *fakeDeltaer) SyncTag() int { f.mu.Lock(); defer f.mu.Unlock(); return f.syncTag }
func (f *fakeDeltaer) Syncing() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.syncing }
func (f *fakeDeltaer) SetSyncing(v bool) { f.mu.Lock(); f.syncing = v; f.mu.Unlock() }

func (f *fakeDeltaer) CalcDirDelta(ctx context.Context, path string, isDir bool) ([]byte, error) {
	return []byte("delta:" + path), nil
}

func (f *fakeDeltaer) SyncWithDelta(ctx context.Context, path string, delta []byte) error {
	f.mu.Lock()
	f.syncTag++
	f.mu.Unlock()
	return nil
}

func TestAppendAndLatestTag(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.LatestTag())
	assert.False(t, s.HasUnknownDelta())

	s.Append("./v1", true)
	assert.True(t, s.HasUnknownDelta())
	assert.Equal(t, 0, s.LatestTag())
}

func TestUpdateDeltaAdvancesLatestTag(t *testing.T) {
	s := New()
	s.Append("./v1", true)
	w := &fakeDeltaer{}

	require.NoError(t, s.UpdateDelta(context.Background(), w))
	assert.Equal(t, 1, s.LatestTag())
	assert.False(t, s.HasUnknownDelta())
}

func TestUpdateDeltaWithNoPendingLayerErrors(t *testing.T) {
	s := New()
	w := &fakeDeltaer{}
	assert.Error(t, s.UpdateDelta(context.Background(), w))
}

func TestNeedSync(t *testing.T) {
	s := New()
	s.Append("./v1", true)
	w := &fakeDeltaer{}
	require.NoError(t, s.UpdateDelta(context.Background(), w))

	assert.True(t, s.NeedSync(w)) // layer computed but worker hasn't applied it yet

	w.mu.Lock()
	w.syncTag = 1
	w.mu.Unlock()
	assert.False(t, s.NeedSync(w))
}

func TestStartSyncAppliesAllPendingLayers(t *testing.T) {
	s := New()
	s.Append("./v1", true)
	s.Append("./v2", true)

	seed := &fakeDeltaer{}
	require.NoError(t, s.UpdateDelta(context.Background(), seed))
	require.NoError(t, s.UpdateDelta(context.Background(), seed))
	assert.Equal(t, 2, s.LatestTag())

	lagging := &fakeDeltaer{}
	s.StartSync(context.Background(), lagging)

	require.Eventually(t, func() bool {
		return lagging.SyncTag() == 2 && !lagging.Syncing()
	}, time.Second, 5*time.Millisecond)
}

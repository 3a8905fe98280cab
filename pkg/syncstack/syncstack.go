// Package syncstack implements the layered directory-synchronization log:
// an append-only sequence of snapshots, with each layer's delta computed
// exactly once (by the first worker to reach it) and reused by every other
// worker that needs to catch up.
package syncstack

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/fleetrun/pkg/log"
)

// Layer is one appended directory snapshot. Delta is nil until the first
// worker to reach this layer computes it.
type Layer struct {
	Path  string
	IsDir bool
	Delta []byte
}

// Deltaer is the subset of worker.Worker the sync stack drives. Declared
// here, not imported, to avoid a cycle between syncstack and worker.
type Deltaer interface {
	SyncTag() int
	Syncing() bool
	SetSyncing(bool)
	CalcDirDelta(ctx context.Context, path string, isDir bool) ([]byte, error)
	SyncWithDelta(ctx context.Context, path string, compressedDelta []byte) error
}

// SyncStack is the ordered, append-only layer log.
type SyncStack struct {
	mu        sync.Mutex
	layers    []*Layer
	latestTag int
}

// New returns an empty SyncStack.
func New() *SyncStack {
	return &SyncStack{}
}

// Append pushes a new layer with its delta unset.
func (s *SyncStack) Append(path string, isDir bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = append(s.layers, &Layer{Path: path, IsDir: isDir})
}

// LatestTag returns the number of layers whose delta has been computed.
func (s *SyncStack) LatestTag() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestTag
}

// HasUnknownDelta reports whether a layer is pending delta computation.
func (s *SyncStack) HasUnknownDelta() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestTag < len(s.layers)
}

// NeedSync reports whether w is behind the latest computed layer.
func (s *SyncStack) NeedSync(w Deltaer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return w.SyncTag() < s.latestTag
}

// UpdateDelta computes the delta for the next pending layer using w, then
// advances latestTag. Precondition: HasUnknownDelta() && w.SyncTag() ==
// LatestTag().
func (s *SyncStack) UpdateDelta(ctx context.Context, w Deltaer) error {
	s.mu.Lock()
	if s.latestTag >= len(s.layers) {
		s.mu.Unlock()
		return fmt.Errorf("syncstack: update_delta called with no pending layer")
	}
	layer := s.layers[s.latestTag]
	s.mu.Unlock()

	delta, err := w.CalcDirDelta(ctx, layer.Path, layer.IsDir)
	if err != nil {
		return fmt.Errorf("syncstack: compute delta for layer %q: %w", layer.Path, err)
	}

	s.mu.Lock()
	layer.Delta = delta
	s.latestTag++
	s.mu.Unlock()
	return nil
}

// StartSync marks w as syncing and applies every layer from w.SyncTag() up
// to LatestTag()-1 in order, clearing the syncing flag on completion (spec
// §4.7's start_sync). Runs in its own goroutine; callers observe progress
// via w.Syncing()/w.SyncTag().
func (s *SyncStack) StartSync(ctx context.Context, w Deltaer) {
	w.SetSyncing(true)
	go func() {
		defer w.SetSyncing(false)

		for {
			s.mu.Lock()
			tag := w.SyncTag()
			if tag >= s.latestTag || tag >= len(s.layers) {
				s.mu.Unlock()
				return
			}
			layer := s.layers[tag]
			s.mu.Unlock()

			if err := w.SyncWithDelta(ctx, layer.Path, layer.Delta); err != nil {
				log.WithComponent("syncstack").Warn().Err(err).Str("layer", layer.Path).Msg("apply layer failed")
				return
			}
		}
	}()
}

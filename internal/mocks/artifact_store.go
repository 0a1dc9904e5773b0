package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/storyboard-worker/internal/artifact"
)

// ArtifactStore is an in-memory artifact.Store.
type ArtifactStore struct {
	// PutFn overrides Put when set.
	PutFn func(ctx context.Context, obj artifact.Object) (artifact.Ref, error)
	// BaseURL prefixes returned URLs. Defaults to "https://cdn.test".
	BaseURL string

	mu      sync.Mutex
	objects map[string]artifact.Object
	puts    int
}

var _ artifact.Store = (*ArtifactStore)(nil)

// Put stores obj in memory.
func (s *ArtifactStore) Put(ctx context.Context, obj artifact.Object) (artifact.Ref, error) {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()

	if s.PutFn != nil {
		return s.PutFn(ctx, obj)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string]artifact.Object)
	}
	s.objects[obj.Key] = obj

	base := s.BaseURL
	if base == "" {
		base = "https://cdn.test"
	}
	return artifact.Ref{Key: obj.Key, URL: base + "/" + obj.Key}, nil
}

// Object returns a stored object by key.
func (s *ArtifactStore) Object(key string) (artifact.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Puts returns how many times Put was called.
func (s *ArtifactStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

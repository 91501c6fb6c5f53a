package cache

import (
	"context"
	"time"

	"participa/internal/core"
	"participa/internal/ports"
)

// ResultStore is a ports.Store whose heading results are read through an LRU.
// Results recorded through it invalidate their entry. A cached result is
// served only while its generation matches the heading's, so runs registered
// by another process are picked up on the next read.
type ResultStore struct {
	ports.Store
	results *LRUCache[int64, core.Result]
}

var _ ports.Store = (*ResultStore)(nil)

// NewResultStore wraps store. A size below 1 disables caching.
func NewResultStore(store ports.Store, size int, ttl time.Duration) *ResultStore {
	s := &ResultStore{Store: store}
	if size > 0 && ttl > 0 {
		s.results = NewLRUCache[int64, core.Result](size, ttl)
	}
	return s
}

func (s *ResultStore) GetResult(ctx context.Context, headingID int64) (core.Result, error) {
	if s.results == nil {
		return s.Store.GetResult(ctx, headingID)
	}
	if r, ok := s.results.Get(headingID); ok {
		h, err := s.Store.GetHeading(ctx, headingID)
		if err != nil {
			return core.Result{}, err
		}
		if h.Generation == r.Generation {
			return r, nil
		}
	}
	r, err := s.Store.GetResult(ctx, headingID)
	if err != nil {
		return core.Result{}, err
	}
	s.results.Set(headingID, r)
	return r, nil
}

func (s *ResultStore) ReplaceResult(ctx context.Context, result core.Result) error {
	err := s.Store.ReplaceResult(ctx, result)
	s.Invalidate(result.HeadingID)
	return err
}

// Invalidate drops the cached results of the given headings.
func (s *ResultStore) Invalidate(headingIDs ...int64) {
	if s.results == nil {
		return
	}
	for _, id := range headingIDs {
		s.results.Delete(id)
	}
}

// CleanExpired implements Cleaner.
func (s *ResultStore) CleanExpired() int {
	if s.results == nil {
		return 0
	}
	return s.results.CleanExpired()
}

// Size returns the number of cached results.
func (s *ResultStore) Size() int {
	if s.results == nil {
		return 0
	}
	return s.results.Size()
}

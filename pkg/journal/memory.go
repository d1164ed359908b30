// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package journal

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps the most recent entries in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]Entry
	order    []string // oldest first
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryStore{
		capacity: capacity,
		entries:  make(map[string]Entry),
	}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Attrs = maps.Clone(e.Attrs)
	if _, ok := s.entries[e.RunID]; !ok {
		s.order = append(s.order, e.RunID)
	}
	s.entries[e.RunID] = e

	for len(s.order) > s.capacity {
		delete(s.entries, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[runID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Attrs = maps.Clone(e.Attrs)
	return e, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.limit()
	out := make([]Entry, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[s.order[i]]
		if f.Scope != "" && e.Scope != f.Scope {
			continue
		}
		e.Attrs = maps.Clone(e.Attrs)
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

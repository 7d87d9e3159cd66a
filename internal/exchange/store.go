/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package exchange is the hierarchical key-value service two domains use to
// discover each other and announce their connection state.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/logging"
)

var (
	// ErrNotFound is returned when a path has no node.
	ErrNotFound = errors.New("exchange: no such path")
	// ErrInvalidPath is returned for relative paths or paths holding NUL.
	ErrInvalidPath = errors.New("exchange: invalid path")
)

// Event reports that the node at Path, or something below it, changed.
type Event struct {
	Path string
}

// Store is a hierarchical key-value store with watches.
type Store interface {
	Get(ctx context.Context, p string) (string, error)
	// Set writes p, creating missing parents with empty values.
	Set(ctx context.Context, p, value string) error
	// Remove deletes p and everything below it.
	Remove(ctx context.Context, p string) error
	// Directory lists the names of p's immediate children in order.
	Directory(ctx context.Context, p string) ([]string, error)
	// Watch delivers an Event once immediately and then after every change
	// at or below p, until ctx is done, when the channel is closed. Events
	// that arrive while one is undelivered are coalesced into it.
	Watch(ctx context.Context, p string) (<-chan Event, error)
}

// Join builds an absolute store path from its elements.
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// Clean validates p and returns its canonical form.
func Clean(p string) (string, error) {
	if !strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return path.Clean(p), nil
}

func under(p, dir string) bool {
	return dir == "/" || strings.HasPrefix(p, dir+"/")
}

type watcher struct {
	path string
	ch   chan Event
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	logger *zap.Logger

	mu       sync.Mutex
	nodes    map[string]string
	watchers map[*watcher]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store holding only the root node.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger:   logging.OrNop(logger).Named("exchange"),
		nodes:    map[string]string{"/": ""},
		watchers: make(map[*watcher]struct{}),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, p string) (string, error) {
	p, err := Clean(p)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.nodes[p]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return v, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, p, value string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		if _, ok := s.nodes[dir]; !ok {
			s.nodes[dir] = ""
		}
	}
	s.nodes[p] = value
	s.logger.Debug("set", zap.String("path", p), zap.String("value", value))
	s.fireLocked(p)
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[p]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	// The root itself is never removed.
	for k := range s.nodes {
		if k != "/" && (k == p || under(k, p)) {
			delete(s.nodes, k)
		}
	}
	s.logger.Debug("remove", zap.String("path", p))
	s.fireLocked(p)
	return nil
}

// Directory implements Store.
func (s *MemoryStore) Directory(_ context.Context, p string) ([]string, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[p]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	var children []string
	for k := range s.nodes {
		if k != "/" && path.Dir(k) == p {
			children = append(children, path.Base(k))
		}
	}
	sort.Strings(children)
	return children, nil
}

// Watch implements Store.
func (s *MemoryStore) Watch(ctx context.Context, p string) (<-chan Event, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}
	w := &watcher{path: p, ch: make(chan Event, 1)}
	w.ch <- Event{Path: p}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, w)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// fireLocked notifies watchers of p, of any parent of p, and of anything
// below p.
func (s *MemoryStore) fireLocked(p string) {
	for w := range s.watchers {
		if w.path != p && !under(p, w.path) && !under(w.path, p) {
			continue
		}
		select {
		case w.ch <- Event{Path: p}:
		default:
		}
	}
}

// Package service contains the operation server's application services.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/opserver/internal/domain"
	"github.com/Strob0t/opserver/internal/domain/operation"
)

// Descriptors holds the loaded operation descriptors. Unknown ids are loaded
// from the home directory on first reference; concurrent first references
// share one load.
type Descriptors struct {
	home string

	mu   sync.RWMutex
	byID map[string]*operation.Descriptor
	load singleflight.Group
}

// NewDescriptors creates an empty registry rooted at home.
func NewDescriptors(home string) *Descriptors {
	return &Descriptors{
		home: home,
		byID: make(map[string]*operation.Descriptor),
	}
}

// Home returns the operations home directory.
func (r *Descriptors) Home() string {
	return r.home
}

// OperationHome returns the home directory of one operation.
func (r *Descriptors) OperationHome(id string) string {
	return filepath.Join(r.home, id)
}

// Preload loads every descriptor found in the home directory. Broken
// descriptors are logged and skipped. It returns the number loaded.
func (r *Descriptors) Preload() (int, error) {
	ids, err := operation.Discover(r.home)
	if err != nil {
		return 0, fmt.Errorf("discover operations: %w", err)
	}

	loaded := 0
	for _, id := range ids {
		if _, err := r.Get(id); err != nil {
			slog.Warn("operation descriptor skipped", "component", "descriptors", "operation", id, "error", err)
			continue
		}
		loaded++
	}
	slog.Info("operation descriptors loaded", "component", "descriptors", "home", r.home, "count", loaded)
	return loaded, nil
}

// Get returns the descriptor for id. A missing descriptor or an invalid id
// wraps domain.ErrOperationNotFound; an unreadable or invalid descriptor
// file wraps domain.ErrInternal. Failures are not cached.
func (r *Descriptors) Get(id string) (*operation.Descriptor, error) {
	r.mu.RLock()
	d, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	if err := operation.ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrOperationNotFound, err)
	}

	v, err, _ := r.load.Do(id, func() (any, error) {
		d, err := operation.Load(r.home, id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if prev, ok := r.byID[id]; ok {
			d = prev
		} else {
			r.byID[id] = d
		}
		r.mu.Unlock()
		return d, nil
	})
	if err != nil {
		if errors.Is(err, operation.ErrNoDescriptor) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOperationNotFound, id)
		}
		return nil, fmt.Errorf("%w: operation %s: %w", domain.ErrInternal, id, err)
	}
	return v.(*operation.Descriptor), nil
}

// List returns the loaded descriptors ordered by id.
func (r *Descriptors) List() []*operation.Descriptor {
	r.mu.RLock()
	out := make([]*operation.Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *operation.Descriptor) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

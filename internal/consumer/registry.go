// Package consumer holds the registry of client applications allowed to
// request delegated access.
package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
)

// Registry is the persistent set of registered consumers.
//
// Get returns nil, nil when no consumer is registered under key. Delete
// is idempotent. Add fails with ErrDuplicateKey and Update with
// ErrNotFound.
type Registry interface {
	Add(ctx context.Context, c models.Consumer) error
	Get(ctx context.Context, key string) (*models.Consumer, error)
	GetAll(ctx context.Context) ([]models.Consumer, error)
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, c models.Consumer) error
}

// MemoryRegistry keeps consumers in a sync.Map. Operations on different
// keys never contend on a shared lock.
type MemoryRegistry struct {
	consumers sync.Map // key -> *models.Consumer
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

// Add registers c. The stored value is a copy; later changes to c are
// not visible through the registry.
func (m *MemoryRegistry) Add(_ context.Context, c models.Consumer) error {
	if err := c.Validate(); err != nil {
		return err
	}

	stored := c
	if _, loaded := m.consumers.LoadOrStore(c.Key, &stored); loaded {
		return fmt.Errorf("consumer %q: %w", c.Key, apperrors.ErrDuplicateKey)
	}

	return nil
}

// Get returns a copy of the consumer registered under key, or nil.
func (m *MemoryRegistry) Get(_ context.Context, key string) (*models.Consumer, error) {
	v, ok := m.consumers.Load(key)
	if !ok {
		return nil, nil
	}

	c := *v.(*models.Consumer)

	return &c, nil
}

// GetAll returns every consumer sorted by key.
func (m *MemoryRegistry) GetAll(_ context.Context) ([]models.Consumer, error) {
	var all []models.Consumer

	m.consumers.Range(func(_, v any) bool {
		all = append(all, *v.(*models.Consumer))
		return true
	})

	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	return all, nil
}

// Delete removes the consumer registered under key, if any.
func (m *MemoryRegistry) Delete(_ context.Context, key string) error {
	m.consumers.Delete(key)
	return nil
}

// Update replaces an existing consumer. A concurrent Delete wins: the
// swap only happens if the entry seen is still the one stored.
func (m *MemoryRegistry) Update(_ context.Context, c models.Consumer) error {
	if err := c.Validate(); err != nil {
		return err
	}

	stored := c

	for {
		old, ok := m.consumers.Load(c.Key)
		if !ok {
			return fmt.Errorf("consumer %q: %w", c.Key, apperrors.ErrNotFound)
		}

		if m.consumers.CompareAndSwap(c.Key, old, &stored) {
			return nil
		}
	}
}

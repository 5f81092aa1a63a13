package collection

import (
	"fmt"
	"log"
	"sync"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/registry"
	"github.com/offsite-dev/replica/internal/signal"
)

// Set lazily constructs one Collection per registered entity store, sharing
// the backend, remote client and signal hub.
type Set struct {
	reg     *registry.Registry
	store   backend.Store
	remote  Commander
	signals *signal.Hub
	logger  *log.Logger

	mu   sync.Mutex
	open map[string]*Collection
}

// NewSet creates the collection set.
func NewSet(reg *registry.Registry, store backend.Store, commander Commander, signals *signal.Hub, logger *log.Logger) *Set {
	return &Set{
		reg:     reg,
		store:   store,
		remote:  commander,
		signals: signals,
		logger:  logger,
		open:    make(map[string]*Collection),
	}
}

// For returns the collection for a store name.
func (s *Set) For(storeName string) (*Collection, error) {
	desc, ok := s.reg.Lookup(storeName)
	if !ok {
		return nil, fmt.Errorf("unknown entity store %q", storeName)
	}
	return s.get(desc), nil
}

// ForRemoteTable returns the collection owning a remote table identifier.
// The stream consumer routes row events through this.
func (s *Set) ForRemoteTable(table string) (*Collection, error) {
	desc, ok := s.reg.ByRemoteTable(table)
	if !ok {
		return nil, fmt.Errorf("no entity store owns remote table %q", table)
	}
	return s.get(desc), nil
}

func (s *Set) get(desc registry.Descriptor) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.open[desc.StoreName]; ok {
		return c
	}
	c := New(desc, s.store, s.remote, s.signals, s.logger)
	s.open[desc.StoreName] = c
	return c
}

// Package registry is the catalog of entity stores known to the local replica.
//
// Every other layer (storage backends, collections, the stream consumer, the
// query engine) resolves a logical store name through this package. A store
// descriptor binds the local store name to its remote table identifier, the
// REST path used for commands, the primary key field, and the secondary
// indexes worth materializing on the SQL backend.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
)

// DefaultPrimaryKey is assumed when a descriptor does not name one.
const DefaultPrimaryKey = "id"

// Descriptor describes one entity store. Immutable after registration.
type Descriptor struct {
	// StoreName is the unique logical name, e.g. "tasks".
	StoreName string `toml:"store_name"`

	// RemoteTable is the table identifier used by the replication stream.
	// Usually equal to StoreName but kept separate so a store can be
	// renamed locally without a protocol change.
	RemoteTable string `toml:"remote_table"`

	// RestPath is the command endpoint path, e.g. "/api/v1/tasks".
	RestPath string `toml:"rest_path"`

	// PrimaryKeyField is the row attribute holding the primary key.
	// Defaults to "id".
	PrimaryKeyField string `toml:"primary_key_field"`

	// SecondaryIndexes lists row attributes indexed on the SQL backend.
	SecondaryIndexes []string `toml:"secondary_indexes"`
}

// PrimaryKey returns the effective primary key field.
func (d Descriptor) PrimaryKey() string {
	if d.PrimaryKeyField == "" {
		return DefaultPrimaryKey
	}
	return d.PrimaryKeyField
}

// Registry holds the set of registered entity stores.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Descriptor
	byTable map[string]Descriptor
}

// New creates a registry pre-populated with the built-in workspace stores.
func New() *Registry {
	r := &Registry{
		byName:  make(map[string]Descriptor),
		byTable: make(map[string]Descriptor),
	}
	for _, d := range builtins {
		// Built-ins are curated, so a collision here is a programming error.
		if err := r.Register(d); err != nil {
			panic(fmt.Sprintf("registry: invalid builtin %q: %v", d.StoreName, err))
		}
	}
	return r
}

// Register adds a descriptor. StoreName must be unique.
func (r *Registry) Register(d Descriptor) error {
	if d.StoreName == "" {
		return fmt.Errorf("store name is required")
	}
	if d.RemoteTable == "" {
		d.RemoteTable = d.StoreName
	}
	if d.PrimaryKeyField == "" {
		d.PrimaryKeyField = DefaultPrimaryKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[d.StoreName]; exists {
		return fmt.Errorf("store %q is already registered", d.StoreName)
	}
	if prev, exists := r.byTable[d.RemoteTable]; exists {
		return fmt.Errorf("remote table %q is already claimed by store %q", d.RemoteTable, prev.StoreName)
	}

	r.byName[d.StoreName] = d
	r.byTable[d.RemoteTable] = d
	return nil
}

// Lookup resolves a store by its logical name.
func (r *Registry) Lookup(storeName string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[storeName]
	return d, ok
}

// ByRemoteTable resolves a store by the table identifier used on the wire.
// The stream consumer routes row events through this.
func (r *Registry) ByRemoteTable(table string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTable[table]
	return d, ok
}

// Stores returns all descriptors sorted by store name.
func (r *Registry) Stores() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreName < out[j].StoreName })
	return out
}

// overlayFile is the on-disk shape of a registry overlay.
type overlayFile struct {
	Stores []Descriptor `toml:"stores"`
}

// LoadOverlay registers additional descriptors from a TOML file.
//
// Deployments use this to sync plugin-owned entity stores without a code
// change. Registering a name that already exists is an error; built-ins
// cannot be redefined.
func (r *Registry) LoadOverlay(path string) (int, error) {
	var file overlayFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return 0, fmt.Errorf("failed to parse registry overlay %s: %w", path, err)
	}

	added := 0
	for _, d := range file.Stores {
		if err := r.Register(d); err != nil {
			return added, fmt.Errorf("overlay %s: %w", path, err)
		}
		added++
	}
	return added, nil
}

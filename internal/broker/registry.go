package broker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds an adapter from its config. It must fail fast with a
// *MissingCredentialsError before attempting any network I/O.
type Factory func(cfg Config, logger *slog.Logger) (Broker, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a factory for a broker kind. Adapter packages call it from
// init.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// Lookup returns the factory registered for kind.
func Lookup(kind string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	return f, ok
}

// New builds an adapter of the given kind.
func New(kind string, cfg Config, logger *slog.Logger) (Broker, error) {
	f, ok := Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	return f(cfg, logger)
}

// Kinds returns the registered kinds in sorted order.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

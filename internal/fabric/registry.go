package fabric

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SelectedBackend names the backend compiled into the daemon. Set it at build
// time:
//
//	go build -ldflags "-X github.com/danmuck/fleetctl/internal/fabric.SelectedBackend=tree"
var SelectedBackend = ""

// Factory builds a backend from its backend-specific configuration. A nil
// config selects the backend's defaults.
type Factory func(cfg any) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend factory available by name. Backend packages call
// it from init.
func Register(name string, factory Factory) {
	name = normalizeName(name)
	if name == "" || factory == nil {
		panic("fabric: Register requires a name and a factory")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("fabric: backend %q registered twice", name))
	}
	registry[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[normalizeName(name)]
	return f, ok
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveBackend(opts Options) (Backend, error) {
	name := normalizeName(opts.Backend)
	if name == "" {
		name = normalizeName(SelectedBackend)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no internal communication fabric to leverage", ErrConfiguration)
	}
	factory, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: backend %q not compiled in (have %v)", ErrConfiguration, name, Backends())
	}
	backend, err := factory(opts.BackendConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: backend %q: %w", ErrConfiguration, name, err)
	}
	return backend, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

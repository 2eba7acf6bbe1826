package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver) // primary names and aliases
)

// Register adds d under its name and aliases. Driver packages call it from
// init, so cmd/anonymize only needs blank imports. It panics on a duplicate
// name.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, name := range append([]string{d.Name()}, d.Aliases()...) {
		if _, exists := drivers[name]; exists {
			panic(fmt.Sprintf("driver %q already registered", name))
		}
		drivers[name] = d
	}
}

func lookup(nameOrAlias string) (Driver, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := drivers[strings.ToLower(strings.TrimSpace(nameOrAlias))]
	return d, ok
}

// Get returns the driver registered as nameOrAlias (case-insensitive).
func Get(nameOrAlias string) (Driver, error) {
	d, ok := lookup(nameOrAlias)
	if !ok {
		return nil, fmt.Errorf("unknown database driver: %q (available: %s)", nameOrAlias, strings.Join(Available(), ", "))
	}
	return d, nil
}

// Available returns the sorted primary driver names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var names []string
	for key, d := range drivers {
		if key == d.Name() {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether nameOrAlias names a driver.
func IsRegistered(nameOrAlias string) bool {
	_, ok := lookup(nameOrAlias)
	return ok
}

// GetDialect returns the dialect of nameOrAlias, or nil when no such
// driver is registered.
func GetDialect(nameOrAlias string) Dialect {
	d, ok := lookup(nameOrAlias)
	if !ok {
		return nil
	}
	return d.Dialect()
}

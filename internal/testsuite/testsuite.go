// Package testsuite is the statically compiled replacement for dynamic
// test-class discovery: every test implementation registers itself
// under a name at init time, and the test manifest resolves manifest
// entries against this registry instead of importing a module by
// string at runtime.
package testsuite

import "sort"

// Test is the minimal shape a registered test implementation exposes to
// the orchestration core. Running a test against a device is the
// worker subprocess's job; the core only needs enough to validate a
// manifest entry and carry its resolved name/config forward into a Job.
type Test interface {
	Name() string
}

// Constructor builds a Test from its manifest config file path.
type Constructor func(configPath string) (Test, error)

var registry = map[string]Constructor{}

// Register adds a named test constructor. Intended to be called from
// an init() in the package implementing the test, mirroring how the
// source's dynamic import resolved a module name to a class.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// Lookup resolves a manifest entry's test name to its constructor.
func Lookup(name string) (Constructor, bool) {
	ctor, ok := registry[name]
	return ctor, ok
}

// Names returns every registered test name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

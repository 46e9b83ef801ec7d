// Package testmanifest loads the `-t/--test-path` YAML manifest of
// {name, config} pairs and resolves each entry against the statically
// compiled internal/testsuite registry, replacing the source's dynamic
// module-by-string import with a lookup against code already compiled
// into this binary.
package testmanifest

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mozilla/autophoned/internal/testsuite"
)

// Entry is one manifest line: a registered test name and the path to
// its config file.
type Entry struct {
	Name   string `yaml:"name"`
	Config string `yaml:"config"`
}

// Manifest is the parsed shape of the test-path YAML file.
type Manifest struct {
	Tests []Entry `yaml:"tests"`
}

// Load reads and parses the manifest file at path. A missing path is
// not an error: it yields an empty Manifest, matching the controller's
// ability to run with no configured tests.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("reading test manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing test manifest %s: %w", path, err)
	}
	return &m, nil
}

// Resolve validates every entry against the testsuite registry,
// constructing each test to confirm its config loads cleanly. Entries
// naming an unregistered test are dropped with a logged warning rather
// than failing the whole manifest, since one bad entry shouldn't block
// every other configured test.
func (m *Manifest) Resolve() []Entry {
	resolved := make([]Entry, 0, len(m.Tests))
	for _, e := range m.Tests {
		ctor, ok := testsuite.Lookup(e.Name)
		if !ok {
			log.Warn().Str("test", e.Name).Msg("test manifest names an unregistered test, skipping")
			continue
		}
		if _, err := ctor(e.Config); err != nil {
			log.Warn().Err(err).Str("test", e.Name).Msg("test manifest entry failed to construct, skipping")
			continue
		}
		resolved = append(resolved, e)
	}
	return resolved
}

// ConfigPaths returns the config file path of every resolved entry, the
// shape a Job's TestPaths field carries forward to the worker
// subprocess.
func ConfigPaths(entries []Entry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Config)
	}
	return paths
}

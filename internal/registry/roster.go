package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mozilla/autophoned/internal/model"
)

// rosterFile is the on-disk shape of the roster: a flat list of phone
// configs under a single "phones" key, so existing roster files remain
// readable across restarts.
type rosterFile struct {
	Phones []model.PhoneConfig `json:"phones"`
}

// LoadRoster reads a roster file. A missing file is not an error; it
// yields an empty roster so a brand new controller can start clean.
func LoadRoster(path string) ([]model.PhoneConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading roster %s: %w", path, err)
	}

	var rf rosterFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing roster %s: %w", path, err)
	}
	return rf.Phones, nil
}

// SaveRoster atomically rewrites the roster file with the given phone
// configs: write to a temp file in the same directory, then rename over
// the target, so a crash mid-write never leaves a truncated roster.
func SaveRoster(path string, phones []model.PhoneConfig) error {
	data, err := json.MarshalIndent(rosterFile{Phones: phones}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling roster: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".roster-*.tmp")
	if err != nil {
		return fmt.Errorf("creating roster temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing roster temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing roster temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming roster into place: %w", err)
	}
	return nil
}

// Persist snapshots the registry and writes it to the roster file.
func (r *Registry) Persist(path string) error {
	return SaveRoster(path, r.Snapshot())
}

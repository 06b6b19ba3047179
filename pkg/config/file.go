package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// SchemaVersion is the current persisted config schema version.
const SchemaVersion = 1

// File is the persisted hub configuration (config.json in the hub dir).
type File struct {
	SchemaVersion int       `json:"schemaVersion"`
	Accounts      []Account `json:"accounts"`
}

// LoadFile reads config.json from the hub directory. A missing file yields
// an empty config at the current schema version.
func (c *Config) LoadFile() (*File, error) {
	path := filepath.Join(c.hubDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &File{SchemaVersion: SchemaVersion}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if f.SchemaVersion == 0 {
		f.SchemaVersion = SchemaVersion
	}
	if f.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("config schema version %d is newer than supported version %d",
			f.SchemaVersion, SchemaVersion)
	}

	for _, a := range f.Accounts {
		if err := ValidateAccount(a); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}
	return &f, nil
}

// SaveFile writes config.json atomically with restricted permissions.
func (c *Config) SaveFile(f *File) error {
	f.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}

	path := filepath.Join(c.hubDir, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

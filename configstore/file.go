package configstore

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// document is the on-disk YAML shape.
type document struct {
	Servers []ServerConfig `yaml:"servers"`
}

// FileStore persists server configs as a YAML document. Environment
// variables in the file are expanded on load, so secrets can live in
// the environment rather than on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the YAML file at path. The
// file is created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads and parses the document. A missing file is an empty
// collection, not an error.
func (s *FileStore) Load() ([]ServerConfig, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var doc document
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return doc.Servers, nil
}

// Save writes the whole document via a temp file and rename, so a
// crash mid-write never leaves a torn config behind.
func (s *FileStore) Save(servers []ServerConfig) error {
	data, err := yaml.Marshal(document{Servers: servers})
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".mcphub-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Package configstore defines the persistence boundary for MCP server
// definitions. The supervisor treats a Store as a single serialized
// document: Load repopulates the server collection at startup, Save
// rewrites the whole document after every add, update, or remove.
//
// Two implementations are provided: a YAML file (FileStore) and a
// SQLite-backed single-document table (SQLiteStore). Hosts with their
// own settings storage implement Store themselves.
package configstore

import (
	"errors"
	"fmt"
)

// ServerConfig describes one configured MCP server. Exactly one of
// Command (stdio subprocess) or URL (websocket endpoint) must be set.
type ServerConfig struct {
	// ID uniquely identifies the server within the supervisor.
	ID string `yaml:"id" json:"id"`

	// Name is the display name shown to users.
	Name string `yaml:"name" json:"name"`

	// Enabled servers are started automatically when added or loaded.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Command is the executable for a stdio server.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are command-line arguments for a stdio server.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env are extra environment variables for a stdio server.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// ExtraPaths are prefixed onto the subprocess PATH ahead of the
	// inherited entries.
	ExtraPaths []string `yaml:"extra_paths,omitempty" json:"extra_paths,omitempty"`

	// URL is the ws:// or wss:// endpoint of a websocket server.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Validate checks structural correctness of a config before it is
// accepted into the supervisor or persisted.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return errors.New("server config: id is required")
	}
	if c.Command == "" && c.URL == "" {
		return fmt.Errorf("server %s: either command or url is required", c.ID)
	}
	if c.Command != "" && c.URL != "" {
		return fmt.Errorf("server %s: command and url are mutually exclusive", c.ID)
	}
	return nil
}

// Store persists the server collection as one document.
type Store interface {
	// Load returns every persisted server config. A store with no
	// document yet returns an empty slice, not an error.
	Load() ([]ServerConfig, error)

	// Save atomically replaces the persisted document.
	Save(servers []ServerConfig) error
}

// Package config handles loading and validating the server
// configuration from a JSON file.
//
// The file holds the server's federation identity (server name and
// ed25519 signing key), the HTTP listen address, the supported room
// version, and the tree-store backend selection.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Storage backends supported for the tree store.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config holds all server configuration. The file is read once at
// startup; changes require a restart. The signing key pair derived from
// SigningKeySeed is held for the process lifetime and never mutated.
type Config struct {
	// ServerName is this homeserver's federation identity
	// (e.g., "ember.example").
	ServerName string `json:"serverName"`

	// ListenAddr is the HTTP listen address (default ":8448").
	ListenAddr string `json:"listenAddr"`

	// KeyName names this server's signing key; the wire key id is
	// "ed25519:" + KeyName (default "a1").
	KeyName string `json:"keyName"`

	// SigningKeySeed is the ed25519 seed as unpadded base64. Generated
	// and written back on first boot when empty.
	SigningKeySeed string `json:"signingKeySeed,omitempty"`

	// RoomVersion is the single room version this server speaks
	// (default "6"). make_join rejects requests that do not include it.
	RoomVersion string `json:"roomVersion"`

	// StorageBackend selects the tree-store backend: "badger" or
	// "postgres" (default "badger").
	StorageBackend string `json:"storageBackend"`

	// BadgerPath is the on-disk directory for the badger backend
	// (default "./data").
	BadgerPath string `json:"badgerPath"`

	// DBConn is the PostgreSQL host:port for the postgres backend.
	DBConn string `json:"dbConn,omitempty"`

	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName,omitempty"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser,omitempty"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass,omitempty"`
}

// Load reads and parses configuration from the given file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8448"
	}
	if cfg.KeyName == "" {
		cfg.KeyName = "a1"
	}
	if cfg.RoomVersion == "" {
		cfg.RoomVersion = "6"
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = BackendBadger
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "./data"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration back to disk. Used to persist a signing
// key generated on first boot.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("config: serverName is required")
	}
	switch c.StorageBackend {
	case BackendBadger:
	case BackendPostgres:
		switch {
		case c.DBConn == "":
			return fmt.Errorf("config: dbConn is required for postgres storage")
		case c.DBName == "":
			return fmt.Errorf("config: dbName is required for postgres storage")
		case c.DBUser == "":
			return fmt.Errorf("config: dbUser is required for postgres storage")
		case c.DBPass == "":
			return fmt.Errorf("config: dbPass is required for postgres storage")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.StorageBackend)
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

package config

import "sync/atomic"

// Store holds the active configuration snapshot. Readers capture the
// snapshot once per request so a concurrent swap never mixes settings
// within a single request.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a Store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Snapshot returns the active configuration. The returned value must be
// treated as read-only.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Swap validates and installs a new configuration, returning the previous
// one. In-flight requests keep the snapshot they captured.
func (s *Store) Swap(cfg *Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return s.current.Swap(cfg), nil
}

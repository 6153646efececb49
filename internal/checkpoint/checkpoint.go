// Package checkpoint persists periodic snapshots of a client's serialized
// weights to disk: a raw binary blob plus a YAML manifest describing it.
// The manifest format reuses gopkg.in/yaml.v2, the same library the
// teacher uses for its config.Config tree (internal/config/config.go),
// repurposed here from configuration to checkpoint metadata since
// spec.md's client configuration itself is pinned to JSON.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Manifest describes one saved round.
type Manifest struct {
	Round        int    `yaml:"round"`
	EpochID      int64  `yaml:"epoch_id"`
	Aggregator   string `yaml:"aggregator"`
	NumByzantine int    `yaml:"num_byzantine"`
}

// Store writes checkpoints under a fixed directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes m.Round's manifest and weights to <dir>/round-<N>.yaml and
// <dir>/round-<N>.bin.
func (s *Store) Save(m Manifest, weights []byte) error {
	base := fmt.Sprintf("round-%d", m.Round)

	weightsPath := filepath.Join(s.dir, base+".bin")
	if err := os.WriteFile(weightsPath, weights, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write weights: %w", err)
	}

	manifestBytes, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal manifest: %w", err)
	}
	manifestPath := filepath.Join(s.dir, base+".yaml")
	if err := os.WriteFile(manifestPath, manifestBytes, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write manifest: %w", err)
	}
	return nil
}

// Load reads back round's manifest and weights.
func (s *Store) Load(round int) (Manifest, []byte, error) {
	base := fmt.Sprintf("round-%d", round)

	manifestBytes, err := os.ReadFile(filepath.Join(s.dir, base+".yaml"))
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("checkpoint: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(manifestBytes, &m); err != nil {
		return Manifest{}, nil, fmt.Errorf("checkpoint: unmarshal manifest: %w", err)
	}

	weights, err := os.ReadFile(filepath.Join(s.dir, base+".bin"))
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("checkpoint: read weights: %w", err)
	}
	return m, weights, nil
}

package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/lysis/pkg/keypool"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ProfileLoader loads profile overrides from files
type ProfileLoader struct {
	logger zerolog.Logger
}

// NewProfileLoader creates a new ProfileLoader instance
func NewProfileLoader(logger zerolog.Logger) *ProfileLoader {
	return &ProfileLoader{
		logger: logger.With().Str("component", "profile_loader").Logger(),
	}
}

// ProfileFile represents the profile file structure
type ProfileFile struct {
	Profiles []Profile `json:"profiles" yaml:"profiles"`
}

// LoadFromFile loads profiles from a JSON or YAML file
func (pl *ProfileLoader) LoadFromFile(path string) ([]Profile, error) {
	if path == "" {
		return nil, fmt.Errorf("profile file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	var file ProfileFile
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON profiles: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML profiles: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported profile file format: %s (supported: .json, .yaml, .yml)", ext)
	}

	pl.logger.Info().Str("path", path).Int("count", len(file.Profiles)).Msg("Loaded profiles from file")
	return file.Profiles, nil
}

// Merge overlays overrides on base. Empty fields keep the base value.
func (pl *ProfileLoader) Merge(base map[keypool.Role]Profile, overrides []Profile) (map[keypool.Role]Profile, error) {
	out := make(map[keypool.Role]Profile, len(base))
	for role, p := range base {
		out[role] = p
	}

	seen := make(map[keypool.Role]bool)
	for i, o := range overrides {
		if _, err := keypool.ParseRole(string(o.Role)); err != nil {
			return nil, fmt.Errorf("profile at index %d: %w", i, err)
		}
		if seen[o.Role] {
			return nil, fmt.Errorf("duplicate profile for role: %s", o.Role)
		}
		seen[o.Role] = true

		p := out[o.Role]
		p.Role = o.Role
		if o.Name != "" {
			p.Name = o.Name
		}
		if o.System != "" {
			p.System = o.System
		}
		if o.MaxLoops != 0 {
			p.MaxLoops = o.MaxLoops
		}
		if o.Dir != "" {
			p.Dir = o.Dir
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile at index %d is invalid: %w", i, err)
		}
		out[o.Role] = p
	}
	return out, nil
}

// Load returns DefaultProfiles overlaid with the file at path. An empty
// path returns the defaults.
func (pl *ProfileLoader) Load(path string) (map[keypool.Role]Profile, error) {
	defaults := DefaultProfiles()
	if path == "" {
		return defaults, nil
	}
	overrides, err := pl.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return pl.Merge(defaults, overrides)
}

// Package manifest handles bitscript.toml chunking configuration.
//
// A manifest names chunker parameter sets ("profiles") so the limits of
// each target execution environment live in one declarative file
// instead of being scattered through call sites:
//
//	[profile.tapscript]
//	target-chunk-size = 395000
//	tolerance = 1000
//	stack-limit = 1000
//	max-split-depth = 8
package manifest

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Manifest is a parsed bitscript.toml file.
type Manifest struct {
	Profiles map[string]Profile `toml:"profile"`

	// Path is the file the manifest was loaded from (set at load time).
	Path string `toml:"-"`
}

// Profile is one named set of chunker parameters.
type Profile struct {
	// TargetChunkSize is the maximum chunk byte size.
	TargetChunkSize int `toml:"target-chunk-size"`
	// Tolerance widens the acceptance window: a chunk is closeable once
	// it reaches TargetChunkSize - Tolerance.
	Tolerance int `toml:"tolerance"`
	// StackLimit bounds the combined main+alt stack height at chunk
	// boundaries. 0 disables the check.
	StackLimit int `toml:"stack-limit"`
	// MaxSplitDepth bounds how many times the chunker re-descends into
	// a fragment looking for a finer split point.
	MaxSplitDepth int `toml:"max-split-depth"`
}

// DefaultProfile returns the parameters used when a field is left
// unset: the standard script-size and stack limits of a tapscript
// execution environment.
func DefaultProfile() Profile {
	return Profile{
		TargetChunkSize: 395000,
		Tolerance:       1000,
		StackLimit:      1000,
		MaxSplitDepth:   8,
	}
}

// Load parses a bitscript.toml file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Path = path

	// Defaults
	def := DefaultProfile()
	for name, p := range m.Profiles {
		if p.TargetChunkSize == 0 {
			p.TargetChunkSize = def.TargetChunkSize
		}
		if p.MaxSplitDepth == 0 {
			p.MaxSplitDepth = def.MaxSplitDepth
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q in %s: %w", name, path, err)
		}
		m.Profiles[name] = p
	}
	return &m, nil
}

// Profile returns the named profile.
func (m *Manifest) Profile(name string) (Profile, error) {
	p, ok := m.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("no profile %q in %s", name, m.Path)
	}
	return p, nil
}

// Validate checks a profile for values the chunker cannot work with.
func (p Profile) Validate() error {
	if p.TargetChunkSize <= 0 {
		return fmt.Errorf("target-chunk-size must be positive, got %d", p.TargetChunkSize)
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative, got %d", p.Tolerance)
	}
	if p.Tolerance > p.TargetChunkSize {
		return fmt.Errorf("tolerance %d exceeds target-chunk-size %d", p.Tolerance, p.TargetChunkSize)
	}
	if p.StackLimit < 0 {
		return fmt.Errorf("stack-limit must not be negative, got %d", p.StackLimit)
	}
	if p.MaxSplitDepth < 0 {
		return fmt.Errorf("max-split-depth must not be negative, got %d", p.MaxSplitDepth)
	}
	return nil
}

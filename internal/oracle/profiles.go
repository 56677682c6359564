package oracle

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Profile names used by the callers of the harness.
const (
	ProfileClustering = "clustering"
	ProfileExtraction = "extraction"
	ProfileContent    = "content"
)

// Profile is a caller-specific model priority list plus sampling settings.
type Profile struct {
	Name            string   `yaml:"name"`
	Models          []string `yaml:"models"`
	Temperature     float64  `yaml:"temperature"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
}

// Request builds a harness request for prompt using this profile.
func (p Profile) Request(prompt string) Request {
	return Request{
		Prompt:          prompt,
		Models:          append([]string(nil), p.Models...),
		Temperature:     p.Temperature,
		MaxOutputTokens: p.MaxOutputTokens,
	}
}

// profileFile is the top-level YAML structure of models.yaml.
type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// DefaultProfiles returns the built-in profiles. Clustering tries the highest
// capacity model first; extraction starts with the cheapest.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:            ProfileClustering,
			Models:          []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"},
			Temperature:     0.3,
			MaxOutputTokens: 16384,
		},
		{
			Name:            ProfileExtraction,
			Models:          []string{"gemini-2.0-flash-lite", "gemini-2.0-flash", "gemini-2.5-flash"},
			Temperature:     0.2,
			MaxOutputTokens: 2048,
		},
		{
			Name:            ProfileContent,
			Models:          []string{"gemini-2.5-flash", "gemini-2.0-flash", "gemini-2.5-pro"},
			Temperature:     0.7,
			MaxOutputTokens: 8192,
		},
	}
}

// Profiles holds the loaded profiles, keyed by name. Safe for concurrent use.
type Profiles struct {
	byName map[string]Profile
	path   string
	mu     sync.RWMutex
}

// LoadProfiles reads path. A missing file yields the built-in defaults; profiles
// present in the file override the default of the same name.
func LoadProfiles(path string) (*Profiles, error) {
	p := &Profiles{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the profile file. On error the previous profiles stay active.
func (p *Profiles) Reload() error {
	byName := make(map[string]Profile)
	for _, def := range DefaultProfiles() {
		byName[def.Name] = def
	}

	if p.path != "" {
		data, err := os.ReadFile(p.path)
		switch {
		case err == nil:
			var file profileFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse model profiles: %w", err)
			}
			for _, prof := range file.Profiles {
				if prof.Name == "" || len(prof.Models) == 0 {
					return fmt.Errorf("model profile %q: name and models are required", prof.Name)
				}
				byName[prof.Name] = prof
			}
		case !os.IsNotExist(err):
			return fmt.Errorf("read model profiles: %w", err)
		}
	}

	p.mu.Lock()
	p.byName = byName
	p.mu.Unlock()
	return nil
}

// Get returns a profile by name. Returns (Profile{}, false) if not found.
func (p *Profiles) Get(name string) (Profile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.byName[name]
	return prof, ok
}

// MustGet returns the named profile or the default clustering profile.
func (p *Profiles) MustGet(name string) Profile {
	if prof, ok := p.Get(name); ok {
		return prof
	}
	return DefaultProfiles()[0]
}

// Names returns a sorted list of profile names.
func (p *Profiles) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the file the profiles were loaded from.
func (p *Profiles) Path() string {
	return p.path
}

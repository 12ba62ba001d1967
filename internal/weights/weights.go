// Package weights holds the named, immutable weight profiles that drive
// hybrid fusion. Profiles are loaded once from YAML (the built-in table plus
// an optional user file) and selected by name per request.
package weights

import (
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ketolab/ketorank/configs"
	kerrors "github.com/ketolab/ketorank/internal/errors"
)

// EnvProfile selects the active profile when no name is given explicitly.
const EnvProfile = "KETORANK_WEIGHT_PROFILE"

// DefaultProfile is used when neither a name nor EnvProfile is set.
const DefaultProfile = "default"

// Source identifies a candidate source.
type Source string

const (
	SourceVector  Source = "vector"
	SourceExact   Source = "exact"
	SourceFTS     Source = "fts"
	SourceTrigram Source = "trigram"
)

// Sources lists every source in payload-of-record precedence order.
var Sources = []Source{SourceVector, SourceExact, SourceFTS, SourceTrigram}

// Valid reports whether s is a known source.
func (s Source) Valid() bool { return slices.Contains(Sources, s) }

// Defaults applied to fields a profile leaves unset.
const (
	DefaultMaxResults     = 10
	DefaultCandidateLimit = 50
	DefaultAdapterTimeout = 2 * time.Second
)

// Spec is the mutable, serialized form of a profile.
type Spec struct {
	Weights             map[Source]float64 `yaml:"weights" json:"weights"`
	SimilarityThreshold float64            `yaml:"similarity_threshold" json:"similarity_threshold"`
	MaxResults          int                `yaml:"max_results" json:"max_results"`
	CandidateLimit      int                `yaml:"candidate_limit" json:"candidate_limit"`
	AdapterTimeout      time.Duration      `yaml:"adapter_timeout" json:"adapter_timeout"`
}

// Config is a validated weight profile. It has no setters; copies share
// nothing mutable, so a Config can be handed to concurrent requests freely.
type Config struct {
	name           string
	weights        map[Source]float64
	threshold      float64
	maxResults     int
	candidateLimit int
	adapterTimeout time.Duration
}

// New validates spec and freezes it into a Config.
func New(name string, spec Spec) (Config, error) {
	if strings.TrimSpace(name) == "" {
		return Config{}, kerrors.New(kerrors.ErrCodeInvalidWeights, "profile name is empty", nil)
	}

	w := make(map[Source]float64, len(Sources))
	positive := false
	for src, v := range spec.Weights {
		if !src.Valid() {
			return Config{}, invalid(name, fmt.Sprintf("unknown source %q", src))
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Config{}, invalid(name, fmt.Sprintf("weight for %s must be a finite non-negative number, got %v", src, v))
		}
		if v > 0 {
			positive = true
		}
		w[src] = v
	}
	if !positive {
		return Config{}, invalid(name, "at least one source weight must be positive")
	}
	if spec.SimilarityThreshold < 0 || spec.SimilarityThreshold >= 1 {
		return Config{}, invalid(name, fmt.Sprintf("similarity_threshold must be in [0,1), got %v", spec.SimilarityThreshold))
	}

	c := Config{
		name:           name,
		weights:        w,
		threshold:      spec.SimilarityThreshold,
		maxResults:     spec.MaxResults,
		candidateLimit: spec.CandidateLimit,
		adapterTimeout: spec.AdapterTimeout,
	}
	if c.maxResults == 0 {
		c.maxResults = DefaultMaxResults
	}
	if c.candidateLimit == 0 {
		c.candidateLimit = DefaultCandidateLimit
	}
	if c.adapterTimeout == 0 {
		c.adapterTimeout = DefaultAdapterTimeout
	}
	if c.maxResults < 0 {
		return Config{}, invalid(name, fmt.Sprintf("max_results must be positive, got %d", c.maxResults))
	}
	if c.candidateLimit < c.maxResults {
		return Config{}, invalid(name, fmt.Sprintf("candidate_limit (%d) must be at least max_results (%d)", c.candidateLimit, c.maxResults))
	}
	if c.adapterTimeout < 0 {
		return Config{}, invalid(name, fmt.Sprintf("adapter_timeout must be positive, got %s", c.adapterTimeout))
	}
	return c, nil
}

// MustNew is New for tests and static tables; it panics on invalid input.
func MustNew(name string, spec Spec) Config {
	c, err := New(name, spec)
	if err != nil {
		panic(err)
	}
	return c
}

func invalid(name, msg string) error {
	return kerrors.New(kerrors.ErrCodeInvalidWeights, fmt.Sprintf("profile %q: %s", name, msg), nil)
}

// Name returns the profile name.
func (c Config) Name() string { return c.name }

// Weight returns the weight of src, zero if unset.
func (c Config) Weight(src Source) float64 { return c.weights[src] }

// Enabled reports whether src has a positive weight.
func (c Config) Enabled(src Source) bool { return c.weights[src] > 0 }

// EnabledSources returns the sources with positive weight, in precedence order.
func (c Config) EnabledSources() []Source {
	out := make([]Source, 0, len(Sources))
	for _, s := range Sources {
		if c.Enabled(s) {
			out = append(out, s)
		}
	}
	return out
}

// Weights returns a copy of the weight table.
func (c Config) Weights() map[Source]float64 { return maps.Clone(c.weights) }

// SimilarityThreshold is the normalized vector score a vector-only candidate must reach.
func (c Config) SimilarityThreshold() float64 { return c.threshold }

// MaxResults caps the ranked list.
func (c Config) MaxResults() int { return c.maxResults }

// CandidateLimit is the number of items requested from each source.
func (c Config) CandidateLimit() int { return c.candidateLimit }

// AdapterTimeout bounds each source call.
func (c Config) AdapterTimeout() time.Duration { return c.adapterTimeout }

// IsZero reports whether c was never constructed.
func (c Config) IsZero() bool { return c.name == "" }

// Spec returns the serializable form of c.
func (c Config) Spec() Spec {
	return Spec{
		Weights:             c.Weights(),
		SimilarityThreshold: c.threshold,
		MaxResults:          c.maxResults,
		CandidateLimit:      c.candidateLimit,
		AdapterTimeout:      c.adapterTimeout,
	}
}

// file is the on-disk profile table.
type file struct {
	Version  int             `yaml:"version"`
	Profiles map[string]Spec `yaml:"profiles"`
}

// Registry is a read-only set of named profiles.
type Registry struct {
	profiles map[string]Config
}

// Parse builds a Registry from a YAML profile table.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, kerrors.New(kerrors.ErrCodeConfigInvalid, "failed to parse weight profiles", err)
	}
	if len(f.Profiles) == 0 {
		return nil, kerrors.New(kerrors.ErrCodeConfigInvalid, "weight profile table is empty", nil)
	}

	r := &Registry{profiles: make(map[string]Config, len(f.Profiles))}
	for name, spec := range f.Profiles {
		c, err := New(name, spec)
		if err != nil {
			return nil, err
		}
		r.profiles[name] = c
	}
	return r, nil
}

// Builtin returns the profiles embedded in the binary.
func Builtin() (*Registry, error) {
	return Parse(configs.WeightsYAML)
}

// Load returns the built-in profiles, extended by the YAML file at path when
// path is non-empty. Profiles in the file replace built-ins of the same name.
func Load(path string) (*Registry, error) {
	r, err := Builtin()
	if err != nil {
		return nil, fmt.Errorf("built-in weight profiles: %w", err)
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeConfigNotFound, "failed to read weight profiles file", err).
			WithDetail("path", path)
	}
	user, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r.merge(user), nil
}

// merge returns a new Registry with other's profiles layered over r's.
func (r *Registry) merge(other *Registry) *Registry {
	out := &Registry{profiles: maps.Clone(r.profiles)}
	maps.Copy(out.profiles, other.profiles)
	return out
}

// Get returns the named profile.
func (r *Registry) Get(name string) (Config, error) {
	c, ok := r.profiles[name]
	if !ok {
		return Config{}, kerrors.New(kerrors.ErrCodeProfileNotFound,
			fmt.Sprintf("weight profile %q not found", name), nil).
			WithSuggestion("Available profiles: " + strings.Join(r.Names(), ", "))
	}
	return c, nil
}

// Select resolves a profile name: an explicit name wins, then EnvProfile,
// then fallback, then DefaultProfile.
func (r *Registry) Select(name, fallback string) (Config, error) {
	return r.Get(Resolve(name, os.Getenv(EnvProfile), fallback))
}

// Resolve returns the first non-empty of explicit, env and fallback, or DefaultProfile.
func Resolve(explicit, env, fallback string) string {
	for _, n := range []string{explicit, env, fallback} {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	return DefaultProfile
}

// Names returns the profile names in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.profiles))
}

// Len returns the number of profiles.
func (r *Registry) Len() int { return len(r.profiles) }

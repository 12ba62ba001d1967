package weights

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/ketolab/ketorank/internal/errors"
)

func validSpec() Spec {
	return Spec{
		Weights:             map[Source]float64{SourceVector: 0.5, SourceFTS: 0.5},
		SimilarityThreshold: 0.3,
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	c, err := New("test", validSpec())
	require.NoError(t, err)

	assert.Equal(t, "test", c.Name())
	assert.Equal(t, DefaultMaxResults, c.MaxResults())
	assert.Equal(t, DefaultCandidateLimit, c.CandidateLimit())
	assert.Equal(t, DefaultAdapterTimeout, c.AdapterTimeout())
	assert.Equal(t, 0.0, c.Weight(SourceExact))
	assert.Equal(t, []Source{SourceVector, SourceFTS}, c.EnabledSources())
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"negative weight", func(s *Spec) { s.Weights[SourceExact] = -0.1 }},
		{"unknown source", func(s *Spec) { s.Weights["bm42"] = 1 }},
		{"all zero", func(s *Spec) { s.Weights = map[Source]float64{SourceVector: 0} }},
		{"no weights", func(s *Spec) { s.Weights = nil }},
		{"threshold one", func(s *Spec) { s.SimilarityThreshold = 1 }},
		{"threshold negative", func(s *Spec) { s.SimilarityThreshold = -0.5 }},
		{"negative max results", func(s *Spec) { s.MaxResults = -1 }},
		{"candidate limit below max", func(s *Spec) { s.MaxResults = 20; s.CandidateLimit = 10 }},
		{"negative timeout", func(s *Spec) { s.AdapterTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)

			_, err := New("p", spec)
			require.Error(t, err)
			assert.Equal(t, kerrors.ErrCodeInvalidWeights, kerrors.GetCode(err))
		})
	}
}

func TestConfig_IsImmutable(t *testing.T) {
	// Given: a config built from a spec
	spec := validSpec()
	c := MustNew("p", spec)

	// When: the caller mutates the spec and the returned weight map
	spec.Weights[SourceVector] = 99
	w := c.Weights()
	w[SourceFTS] = 42

	// Then: the config is unaffected
	assert.Equal(t, 0.5, c.Weight(SourceVector))
	assert.Equal(t, 0.5, c.Weight(SourceFTS))
}

func TestMustNew_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { MustNew("", validSpec()) })
}

func TestBuiltin_ProfilesAreValid(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	assert.Equal(t, []string{"default", "keyword", "semantic", "typo_tolerant"}, r.Names())

	def, err := r.Get(DefaultProfile)
	require.NoError(t, err)
	assert.Len(t, def.EnabledSources(), 4)
	assert.Equal(t, 2*time.Second, def.AdapterTimeout())

	kw, err := r.Get("keyword")
	require.NoError(t, err)
	assert.False(t, kw.Enabled(SourceVector))
}

func TestRegistry_GetUnknown(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	_, err = r.Get("nope")
	require.Error(t, err)
	assert.Equal(t, kerrors.ErrCodeProfileNotFound, kerrors.GetCode(err))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("profiles: ["))
	assert.Error(t, err)

	_, err = Parse([]byte("version: 1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte(`
profiles:
  bad:
    weights: {vector: -1}
`))
	assert.Equal(t, kerrors.ErrCodeInvalidWeights, kerrors.GetCode(err))
}

func TestLoad_UserFileOverridesByName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
profiles:
  default:
    weights: {exact: 1}
    max_results: 3
  ab_test_b:
    weights: {vector: 0.9, trigram: 0.1}
    similarity_threshold: 0.5
`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)

	def, err := r.Get("default")
	require.NoError(t, err)
	assert.Equal(t, 3, def.MaxResults())
	assert.Equal(t, []Source{SourceExact}, def.EnabledSources())

	_, err = r.Get("keyword")
	assert.NoError(t, err, "built-ins not named in the file are kept")

	b, err := r.Get("ab_test_b")
	require.NoError(t, err)
	assert.Equal(t, 0.5, b.SimilarityThreshold())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, kerrors.ErrCodeConfigNotFound, kerrors.GetCode(err))
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "semantic", Resolve("semantic", "keyword", "x"))
	assert.Equal(t, "keyword", Resolve("", "keyword", "x"))
	assert.Equal(t, "x", Resolve(" ", "", "x"))
	assert.Equal(t, DefaultProfile, Resolve("", "", ""))
}

func TestRegistry_SelectUsesEnv(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	t.Setenv(EnvProfile, "typo_tolerant")

	c, err := r.Select("", "default")
	require.NoError(t, err)
	assert.Equal(t, "typo_tolerant", c.Name())

	c, err = r.Select("keyword", "default")
	require.NoError(t, err)
	assert.Equal(t, "keyword", c.Name())
}

func TestConfig_SpecRoundTrip(t *testing.T) {
	c := MustNew("p", validSpec())

	again, err := New("p", c.Spec())
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

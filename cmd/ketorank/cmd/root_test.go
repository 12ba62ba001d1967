package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketolab/ketorank/internal/logging"
)

const testCorpus = `{"id":"r1","kind":"recipe","title":"김치찌개","content":"돼지고기와 김치로 끓인 저탄수 찌개","payload":{"net_carbs_g":6}}
{"id":"r2","title":"keto cauliflower rice","content":"cauliflower pulsed into rice with butter"}
{"id":"r3","kind":"recipe","title":"버터 스테이크","content":"버터에 구운 소고기 스테이크"}
{"id":"m1","kind":"restaurant","title":"Bulgogi Bowl (no rice)","content":"grilled beef bulgogi over lettuce","payload":{"restaurant":"Seoul Kitchen"}}
`

// testEnv isolates a command run: config, data and logs all live under a
// temp dir, embeddings are static and the cache survives across runs.
type testEnv struct {
	root    string
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{root: root, dataDir: filepath.Join(root, "data")}

	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, ".config"))
	t.Setenv("KETORANK_DATA_DIR", env.dataDir)
	t.Setenv("KETORANK_EMBEDDINGS_PROVIDER", "static")
	t.Setenv("KETORANK_CACHE_BACKEND", "sqlite")
	t.Setenv("KETORANK_WEIGHT_PROFILE", "")
	t.Setenv("KETORANK_LOG_LEVEL", "error")
	return env
}

// run executes the root command with args and returns stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config-dir", e.root}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func (e *testEnv) writeCorpus(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(e.root, "items.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e *testEnv) indexCorpus(t *testing.T) {
	t.Helper()
	_, err := e.run(t, "index", e.writeCorpus(t, testCorpus))
	require.NoError(t, err)
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	// Given: the root command
	cmd := NewRootCmd()

	// Then: every top-level command is registered
	names := make(map[string]bool)
	for _, sc := range cmd.Commands() {
		names[sc.Name()] = true
	}
	for _, want := range []string{"search", "index", "cache", "profiles", "metrics", "doctor", "config", "version"} {
		assert.True(t, names[want], "should have %s command", want)
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	cmd := NewRootCmd()

	for _, name := range []string{"debug", "config-dir", "metrics-addr"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "should have --%s flag", name)
	}
	assert.Equal(t, ".", cmd.PersistentFlags().Lookup("config-dir").DefValue)
}

func TestRootCmd_VersionFlag(t *testing.T) {
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "ketorank version")
}

func TestLoadConfig_MetricsAddrFlagOverrides(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("KETORANK_METRICS_ADDR", "127.0.0.1:1")

	configDir = env.root
	metricsAddr = "127.0.0.1:2"
	t.Cleanup(func() { configDir, metricsAddr = ".", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2", cfg.Server.MetricsAddr)
	assert.Equal(t, env.dataDir, cfg.Storage.DataDir)
}

func TestLoadConfig_InvalidConfigIsConfigError(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("KETORANK_CACHE_BACKEND", "redis")

	_, err := env.run(t, "profiles")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_102")
}

func TestRootCmd_ProfileFlagsWriteFiles(t *testing.T) {
	env := newTestEnv(t)
	heap := filepath.Join(env.root, "heap.prof")
	cpu := filepath.Join(env.root, "cpu.prof")

	_, err := env.run(t, "--profile-mem", heap, "--profile-cpu", cpu, "profiles")

	require.NoError(t, err)
	assert.FileExists(t, heap)
	assert.FileExists(t, cpu)
}

func TestRootCmd_DebugWritesLogFile(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "--debug", "profiles")

	require.NoError(t, err)
	assert.FileExists(t, logging.DefaultLogPath())
}

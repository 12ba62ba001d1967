package preflight

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketolab/ketorank/internal/embed"
)

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		status CheckStatus
		want   string
	}{
		{StatusPass, "PASS"},
		{StatusWarn, "WARN"},
		{StatusFail, "FAIL"},
		{CheckStatus(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestCheckResult_IsCritical(t *testing.T) {
	tests := []struct {
		name     string
		result   CheckResult
		expected bool
	}{
		{"required pass is not critical", CheckResult{Status: StatusPass, Required: true}, false},
		{"required fail is critical", CheckResult{Status: StatusFail, Required: true}, true},
		{"optional fail is not critical", CheckResult{Status: StatusFail, Required: false}, false},
		{"required warn is not critical", CheckResult{Status: StatusWarn, Required: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.IsCritical())
		})
	}
}

func TestCheckResult_JSONUsesStatusName(t *testing.T) {
	data, err := json.Marshal(CheckResult{Name: "index", Status: StatusWarn})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"WARN"`)
}

func TestChecker_SummaryStatus(t *testing.T) {
	c := New()

	assert.Equal(t, "ready", c.SummaryStatus([]CheckResult{{Status: StatusPass}}))
	assert.Equal(t, "ready_with_warnings", c.SummaryStatus([]CheckResult{
		{Status: StatusPass}, {Status: StatusWarn},
	}))
	assert.Equal(t, "ready_with_warnings", c.SummaryStatus([]CheckResult{{Status: StatusFail}}))
	assert.Equal(t, "failed", c.SummaryStatus([]CheckResult{
		{Status: StatusWarn}, {Status: StatusFail, Required: true},
	}))
}

func TestChecker_WritePermissions(t *testing.T) {
	// Given: a data directory that does not exist yet
	dir := filepath.Join(t.TempDir(), "data")

	// When: checking it
	res := New().CheckWritePermissions(dir)

	// Then: it is created and writable, and no probe file is left behind
	assert.Equal(t, StatusPass, res.Status)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChecker_WritePermissions_ReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	res := New().CheckWritePermissions(dir)

	assert.Equal(t, StatusFail, res.Status)
	assert.True(t, res.IsCritical())
}

func TestChecker_DiskSpace(t *testing.T) {
	c := New()

	res := c.CheckDiskSpace(t.TempDir())
	assert.Equal(t, StatusPass, res.Status)
	assert.Contains(t, res.Message, "free")

	c.minDiskBytes = ^uint64(0)
	res = c.CheckDiskSpace(t.TempDir())
	assert.Equal(t, StatusFail, res.Status)

	res = c.CheckDiskSpace(filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, StatusFail, res.Status)
}

func TestChecker_Embedder(t *testing.T) {
	ctx := context.Background()

	t.Run("available", func(t *testing.T) {
		e := embed.NewStaticEmbedder()
		defer func() { _ = e.Close() }()

		res := New().CheckEmbedder(ctx, e)

		assert.Equal(t, StatusPass, res.Status)
		assert.Contains(t, res.Message, "dimensions")
	})

	t.Run("closed", func(t *testing.T) {
		e := embed.NewStaticEmbedder()
		require.NoError(t, e.Close())

		res := New().CheckEmbedder(ctx, e)

		assert.Equal(t, StatusWarn, res.Status)
		assert.False(t, res.IsCritical())
	})
}

func TestChecker_Index(t *testing.T) {
	ctx := context.Background()
	count := func(n int, err error) func(context.Context) (int, error) {
		return func(context.Context) (int, error) { return n, err }
	}

	tests := []struct {
		name    string
		items   func(context.Context) (int, error)
		vectors int
		want    CheckStatus
	}{
		{"complete", count(4, nil), 4, StatusPass},
		{"empty", count(0, nil), 0, StatusWarn},
		{"missing vectors", count(4, nil), 1, StatusWarn},
		{"store error", count(0, errors.New("disk I/O error")), 0, StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New().CheckIndex(ctx, tt.items, tt.vectors)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestChecker_RunAllAndPrint(t *testing.T) {
	// Given: a fresh data dir with an embedder and an empty index
	e := embed.NewStaticEmbedder()
	defer func() { _ = e.Close() }()
	buf := &bytes.Buffer{}
	c := New(WithOutput(buf), WithVerbose(true))

	// When: running every check
	results := c.RunAll(context.Background(), Target{
		DataDir:  t.TempDir(),
		Embedder: e,
		Items:    func(context.Context) (int, error) { return 0, nil },
	})
	c.PrintResults(results)

	// Then: all five checks ran and nothing critical failed
	require.Len(t, results, 5)
	assert.False(t, c.HasCriticalFailures(results))
	out := buf.String()
	assert.Contains(t, out, "[PASS] write_permissions")
	assert.Contains(t, out, "[WARN] index: no items indexed")
	assert.Contains(t, out, "ketorank index")
	assert.Contains(t, out, "Status: READY_WITH_WARNINGS")
}

func TestChecker_RunAllSkipsMissingTargets(t *testing.T) {
	results := New(WithOutput(&bytes.Buffer{})).RunAll(context.Background(), Target{})

	require.Len(t, results, 1)
	assert.Equal(t, "file_descriptors", results[0].Name)
}

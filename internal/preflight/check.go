// Package preflight runs environment and index health checks for the
// doctor command.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ketolab/ketorank/internal/embed"
)

// CheckStatus represents the result of a check.
type CheckStatus int

const (
	// StatusPass indicates the check passed.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical problem.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name in JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckResult holds the result of a single check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Target is what the checks inspect. Nil fields skip their check.
type Target struct {
	DataDir  string
	Embedder embed.Embedder
	// Items counts the rows in the keyword store.
	Items func(ctx context.Context) (int, error)
	// Vectors is the number of embeddings in the vector graph.
	Vectors int
}

// Checker runs the checks.
type Checker struct {
	verbose        bool
	output         io.Writer
	embedTimeout   time.Duration
	minDiskBytes   uint64
	minFileHandles uint64
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerbose prints check details.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) {
		c.verbose = verbose
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.output = w
	}
}

// WithEmbedTimeout bounds the embedder probe.
func WithEmbedTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.embedTimeout = d
	}
}

// New creates a Checker.
func New(opts ...Option) *Checker {
	c := &Checker{
		output:         os.Stdout,
		embedTimeout:   5 * time.Second,
		minDiskBytes:   MinDiskSpaceBytes,
		minFileHandles: MinFileDescriptors,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check that t supports.
func (c *Checker) RunAll(ctx context.Context, t Target) []CheckResult {
	var results []CheckResult

	if t.DataDir != "" {
		results = append(results, c.CheckWritePermissions(t.DataDir))
		results = append(results, c.CheckDiskSpace(t.DataDir))
	}
	results = append(results, c.CheckFileDescriptors())
	if t.Embedder != nil {
		results = append(results, c.CheckEmbedder(ctx, t.Embedder))
	}
	if t.Items != nil {
		results = append(results, c.CheckIndex(ctx, t.Items, t.Vectors))
	}

	return results
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns "ready", "ready_with_warnings" or "failed".
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || r.Status == StatusFail {
			hasWarnings = true
		}
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "ketorank system check")
	_, _ = fmt.Fprintln(c.output, "=====================")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(c.output, "      %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintln(c.output)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(c.SummaryStatus(results)))
}

// CheckWritePermissions checks that the data directory is writable,
// creating it if needed.
func (c *Checker) CheckWritePermissions(dir string) CheckResult {
	result := CheckResult{
		Name:     "write_permissions",
		Required: true,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create data directory: %v", err)
		return result
	}
	testFile := filepath.Join(dir, ".ketorank-preflight-test")
	f, err := os.Create(testFile)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(testFile)

	result.Status = StatusPass
	result.Message = "OK"
	result.Details = dir
	return result
}

// CheckEmbedder probes the embedding provider. A failure only disables the
// vector source, so the check is not required.
func (c *Checker) CheckEmbedder(ctx context.Context, e embed.Embedder) CheckResult {
	result := CheckResult{
		Name:     "embedder",
		Required: false,
		Details:  e.ModelName(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	if !e.Available(probeCtx) {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s unavailable, vector retrieval disabled", e.ModelName())
		return result
	}
	vec, err := e.Embed(probeCtx, "preflight")
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("embedding failed: %v", err)
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s (%d dimensions)", e.ModelName(), len(vec))
	return result
}

// CheckIndex compares the keyword store with the vector graph.
func (c *Checker) CheckIndex(ctx context.Context, items func(context.Context) (int, error), vectors int) CheckResult {
	result := CheckResult{
		Name:     "index",
		Required: true,
	}

	n, err := items(ctx)
	switch {
	case err != nil:
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot read keyword store: %v", err)
	case n == 0:
		result.Status = StatusWarn
		result.Message = "no items indexed"
		result.Details = "Run 'ketorank index <items.jsonl>'"
	case vectors < n:
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%d items, %d vectors", n, vectors)
		result.Details = "Some items have no embedding; re-run index once the embedder is reachable"
	default:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%d items, %d vectors", n, vectors)
	}
	return result
}

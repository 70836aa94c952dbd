package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/jobcore/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"default", "model", "cam", "sim", "report", "erp"}, cfg.Classes)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxMessageBytes)
	assert.Equal(t, 2*time.Second, cfg.ProgressThrottle)
	assert.Equal(t, 5*time.Minute, cfg.EventDedupTTL)
	assert.Equal(t, 24*time.Hour, cfg.DLQMessageTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JOB_CLASSES", "default,gpu")
	t.Setenv("PREFETCH", "32")
	t.Setenv("JOB_SCHEDULES", "report|0 */6 * * *;erp|0 2 * * *")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, []string{"default", "gpu"}, cfg.Classes)
	assert.Equal(t, 32, cfg.Prefetch)
	assert.Len(t, cfg.Schedules, 2)
}

func TestKnownClass(t *testing.T) {
	t.Parallel()
	cfg := Config{Classes: []string{"default", "model"}}
	assert.True(t, cfg.KnownClass("model"))
	assert.False(t, cfg.KnownClass("gpu"))
	assert.False(t, cfg.KnownClass(""))
}

func TestPoliciesDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Classes: []string{"default", "model", "bespoke"}}
	policies, err := cfg.Policies()
	require.NoError(t, err)

	assert.Equal(t, 5, policies["model"].MaxRetries)
	// Classes without a reference entry inherit the default class policy.
	ref := domain.DefaultPolicies()[domain.ClassDefault]
	assert.Equal(t, ref.MaxRetries, policies["bespoke"].MaxRetries)
	assert.Equal(t, "bespoke", policies["bespoke"].Class)
}

func TestPoliciesFileOverride(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  max_retries: 9
  hard_limit: 2h
bespoke:
  soft_limit: 90s
`), 0o600))

	cfg := Config{Classes: []string{"default", "model"}, PolicyFile: path}
	policies, err := cfg.Policies()
	require.NoError(t, err)

	assert.Equal(t, 9, policies["model"].MaxRetries)
	assert.Equal(t, 2*time.Hour, policies["model"].HardLimit)
	// Untouched fields keep their reference values.
	assert.Equal(t, domain.DefaultPolicies()["model"].BackoffCap, policies["model"].BackoffCap)
	// Overrides may introduce classes not in the reference table.
	assert.Equal(t, 90*time.Second, policies["bespoke"].SoftLimit)
}

func TestPoliciesFileMissing(t *testing.T) {
	t.Parallel()
	cfg := Config{Classes: []string{"default"}, PolicyFile: "/nonexistent/policies.yaml"}
	_, err := cfg.Policies()
	assert.Error(t, err)
}

func TestPoliciesFileMalformed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [not, a, map]"), 0o600))
	cfg := Config{Classes: []string{"default"}, PolicyFile: path}
	_, err := cfg.Policies()
	assert.Error(t, err)
}

func TestParsedSchedules(t *testing.T) {
	t.Parallel()
	cfg := Config{Schedules: []string{"report|0 */6 * * *", " erp | 0 2 * * * ", ""}}
	scheds, err := cfg.ParsedSchedules()
	require.NoError(t, err)
	require.Len(t, scheds, 2)
	assert.Equal(t, Schedule{Class: "report", Spec: "0 */6 * * *"}, scheds[0])
	assert.Equal(t, Schedule{Class: "erp", Spec: "0 2 * * *"}, scheds[1])
}

func TestParsedSchedulesMalformed(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"report", "|0 * * * *", "report|"} {
		cfg := Config{Schedules: []string{bad}}
		_, err := cfg.ParsedSchedules()
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "%q", bad)
	}
}

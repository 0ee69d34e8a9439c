package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/domain/model"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("noop", func(ctx context.Context) (model.RunStats, error) {
		return model.RunStats{}, nil
	})

	fn, ok := r.Resolve("noop")
	assert.True(t, ok)
	assert.NotNil(t, fn)

	_, ok = r.Resolve("missing")
	assert.False(t, ok)
}

func TestRegistryValidateJobs(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(HandlerCollectSymbols, func(ctx context.Context) (model.RunStats, error) {
		return model.RunStats{}, nil
	})

	err := r.ValidateJobs([]model.JobDefinition{
		{ID: "a", Handler: HandlerCollectSymbols},
	})
	assert.NoError(t, err)

	err = r.ValidateJobs([]model.JobDefinition{
		{ID: "b", Handler: "does_not_exist"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestDefaultJobs(t *testing.T) {
	jobs := DefaultJobs()
	require.Len(t, jobs, 2)

	byID := map[string]model.JobDefinition{}
	for _, j := range jobs {
		require.NoError(t, j.Validate())
		byID[j.ID] = j
	}

	symbols := byID["collect_symbols"]
	assert.Equal(t, "0 0 * * *", symbols.Spec)
	assert.Equal(t, "Asia/Seoul", symbols.Timezone)
	assert.Equal(t, model.PolicySingleton, symbols.Policy)
	assert.Equal(t, 3, symbols.MaxAttempts)

	prices := byID["collect_price_data"]
	assert.Equal(t, "2 0 * * *", prices.Spec, "prices run two minutes after symbol discovery")
	assert.Equal(t, HandlerCollectPrices, prices.Handler)
	assert.Equal(t, 2*time.Hour, prices.Timeout)
}

func TestLoadJobsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{
			"id": "collect_price_data",
			"name": "Prices",
			"cron_expression": "30 1 * * *",
			"timezone": "Asia/Seoul",
			"handler": "collect_prices",
			"max_attempts": 5,
			"timeout_seconds": 3600
		},
		{
			"id": "disabled_job",
			"cron_expression": "0 0 * * *",
			"handler": "collect_symbols",
			"enabled": false
		}
	]`), 0o600))

	jobs, err := LoadJobsFile(path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "30 1 * * *", jobs[0].Spec)
	assert.Equal(t, 5, jobs[0].MaxAttempts)
	assert.Equal(t, time.Hour, jobs[0].Timeout)
	assert.Equal(t, model.PolicySingleton, jobs[0].Policy, "policy defaults to singleton")
	assert.True(t, jobs[0].Enabled, "enabled defaults to true")

	assert.False(t, jobs[1].Enabled)
	assert.Equal(t, 3, jobs[1].MaxAttempts, "attempts default")
	assert.Equal(t, 30*time.Minute, jobs[1].Timeout, "timeout default")
}

func TestLoadJobsFileEmptyPathReturnsDefaults(t *testing.T) {
	jobs, err := LoadJobsFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultJobs(), jobs)
}

func TestLoadJobsFileErrors(t *testing.T) {
	_, err := LoadJobsFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = LoadJobsFile(path)
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

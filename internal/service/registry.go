package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/domain/model"
)

// Handler names referenced by job definitions.
const (
	HandlerCollectSymbols = "collect_symbols"
	HandlerCollectPrices  = "collect_prices"
)

// HandlerFunc executes one run of a job and reports what it accomplished.
// Handlers must be idempotent: a retried or replayed invocation re-processes
// the same window without duplicating data.
type HandlerFunc func(ctx context.Context) (model.RunStats, error)

// Registry binds handler names from the job table to executable handlers.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry builds a registry with the collection handlers bound.
func NewRegistry(collect *CollectService) *Registry {
	r := &Registry{handlers: make(map[string]HandlerFunc)}
	if collect != nil {
		r.Register(HandlerCollectSymbols, collect.CollectSymbols)
		r.Register(HandlerCollectPrices, collect.CollectPrices)
	}
	return r
}

// Register binds a handler name. Later registrations override earlier ones.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.handlers[name] = fn
}

// Resolve returns the handler for a name.
func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// ValidateJobs checks that every enabled job references a known handler.
// Unknown handlers are configuration errors and fatal at start.
func (r *Registry) ValidateJobs(jobs []model.JobDefinition) error {
	for i := range jobs {
		if _, ok := r.handlers[jobs[i].Handler]; !ok {
			return apperrors.Configurationf("job %s references unknown handler %q", jobs[i].ID, jobs[i].Handler)
		}
	}
	return nil
}

// DefaultJobs returns the built-in job table: symbol discovery at midnight and
// price ingestion two minutes later, both in Korean local time so the daily
// close is final when collection starts.
func DefaultJobs() []model.JobDefinition {
	return []model.JobDefinition{
		{
			ID:          "collect_symbols",
			Name:        "Exchange symbol discovery",
			Spec:        "0 0 * * *",
			Timezone:    "Asia/Seoul",
			Handler:     HandlerCollectSymbols,
			Policy:      model.PolicySingleton,
			MaxAttempts: 3,
			Timeout:     30 * time.Minute,
			Enabled:     true,
		},
		{
			ID:          "collect_price_data",
			Name:        "OHLCV price ingestion",
			Spec:        "2 0 * * *",
			Timezone:    "Asia/Seoul",
			Handler:     HandlerCollectPrices,
			Policy:      model.PolicySingleton,
			MaxAttempts: 3,
			Timeout:     2 * time.Hour,
			Enabled:     true,
		},
	}
}

// jobFileEntry is the on-disk shape of one job definition.
type jobFileEntry struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	CronExpression string                  `json:"cron_expression"`
	Timezone       string                  `json:"timezone"`
	Handler        string                  `json:"handler"`
	Policy         model.ConcurrencyPolicy `json:"concurrency_policy"`
	MaxAttempts    int                     `json:"max_attempts"`
	TimeoutSeconds int                     `json:"timeout_seconds"`
	Enabled        *bool                   `json:"enabled"`
}

// LoadJobsFile reads a JSON job table. An empty path returns the defaults.
func LoadJobsFile(path string) ([]model.JobDefinition, error) {
	if path == "" {
		return DefaultJobs(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfiguration, fmt.Sprintf("read jobs file %s", path))
	}

	var entries []jobFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfiguration, fmt.Sprintf("parse jobs file %s", path))
	}

	jobs := make([]model.JobDefinition, 0, len(entries))
	for _, e := range entries {
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		policy := e.Policy
		if policy == "" {
			policy = model.PolicySingleton
		}
		attempts := e.MaxAttempts
		if attempts <= 0 {
			attempts = 3
		}
		timeout := time.Duration(e.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Minute
		}
		jobs = append(jobs, model.JobDefinition{
			ID:          e.ID,
			Name:        e.Name,
			Spec:        e.CronExpression,
			Timezone:    e.Timezone,
			Handler:     e.Handler,
			Policy:      policy,
			MaxAttempts: attempts,
			Timeout:     timeout,
			Enabled:     enabled,
		})
	}
	return jobs, nil
}

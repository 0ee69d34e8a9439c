package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoulquant/collector/internal/adapters/scheduler"
	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/domain/model"
	"github.com/seoulquant/collector/internal/domain/schedule"
)

type fakeDispatcher struct {
	dispatched []string
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, def model.JobDefinition, scheduledAt time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, def.ID)
	return nil
}

type fakeRunReader struct {
	runs map[string]*model.JobRun
}

func (f *fakeRunReader) ListRuns(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error) {
	var out []*model.JobRun
	for _, run := range f.runs {
		if run.JobID == jobID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeRunReader) GetRun(ctx context.Context, id string) (*model.JobRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, data.ErrRunNotFound
	}
	return run, nil
}

func newTestServer(t *testing.T, dispatcher *fakeDispatcher, hb *scheduler.Heartbeat, tp data.TimeProvider) *Server {
	t.Helper()

	engine, err := schedule.NewEngine(schedule.EngineOptions{
		Jobs: []model.JobDefinition{{
			ID:          "collect_price_data",
			Spec:        "2 0 * * *",
			Timezone:    "Asia/Seoul",
			Handler:     "collect_prices",
			Policy:      model.PolicySingleton,
			MaxAttempts: 3,
			Timeout:     time.Hour,
			Enabled:     true,
		}},
		Dispatcher: dispatcher,
	})
	require.NoError(t, err)

	runs := &fakeRunReader{runs: map[string]*model.JobRun{
		"run-1": {ID: "run-1", JobID: "collect_price_data", Status: model.RunStatusSuccess},
	}}

	srv, err := NewServer(ServerOptions{
		Engine:          engine,
		Dispatcher:      dispatcher,
		Runs:            runs,
		Heartbeat:       hb,
		HeartbeatMaxAge: 30 * time.Second,
		TimeProvider:    tp,
	})
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	tp := data.NewFixedTimeProvider(now)
	hb := &scheduler.Heartbeat{}
	srv := newTestServer(t, &fakeDispatcher{}, hb, tp)

	rec := doRequest(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no tick yet: not live")

	hb.Beat(now.Add(-10 * time.Second))
	rec = doRequest(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	hb.Beat(now.Add(-5 * time.Minute))
	rec = doRequest(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "stale heartbeat fails liveness")
}

func TestReadyzWithoutDB(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, &scheduler.Heartbeat{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Ready bool `json:"ready"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Ready)
}

func TestListJobs(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, &scheduler.Heartbeat{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/jobs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "collect_price_data")
}

func TestListRuns(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, &scheduler.Heartbeat{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/jobs/collect_price_data/runs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-1")

	rec = doRequest(t, srv, http.MethodGet, "/jobs/no_such_job/runs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, &scheduler.Heartbeat{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/runs/run-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/runs/run-404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerRun(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	srv := newTestServer(t, dispatcher, &scheduler.Heartbeat{}, nil)

	rec := doRequest(t, srv, http.MethodPost, "/jobs/collect_price_data/run")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"collect_price_data"}, dispatcher.dispatched)

	rec = doRequest(t, srv, http.MethodPost, "/jobs/no_such_job/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerRunSaturated(t *testing.T) {
	dispatcher := &fakeDispatcher{err: model.ErrRunnerSaturated}
	srv := newTestServer(t, dispatcher, &scheduler.Heartbeat{}, nil)

	rec := doRequest(t, srv, http.MethodPost, "/jobs/collect_price_data/run")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/app"
	"github.com/slate-dev/slate/internal/config"
	"github.com/slate-dev/slate/internal/model"
)

func newTestServer(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DataDir = dir
	cfg.Budget.CPUCores = 16
	cfg.Budget.RAMMB = 32768

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ts := httptest.NewServer(NewHandler(a, nil, zap.NewNop()).Router())
	t.Cleanup(ts.Close)
	return a, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthCheck(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestTaskLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPost, "/api/tasks", map[string]interface{}{
		"id":    "t1",
		"title": "Implement login endpoint",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task model.Task
	decodeJSON(t, resp, &task)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "api", task.Source)

	resp = doJSON(t, ts, http.MethodGet, "/api/tasks/t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodPost, "/api/tick", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report model.RoutingReport
	decodeJSON(t, resp, &report)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, model.AgentAlpha, report.Decisions[0].AgentID)

	resp = doJSON(t, ts, http.MethodGet, "/api/tasks?status=in_progress", nil)
	var tasks []model.Task
	decodeJSON(t, resp, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)

	resp = doJSON(t, ts, http.MethodPost, "/api/tasks/t1/complete", map[string]string{"note": "merged"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &task)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, "merged", task.Note)

	resp = doJSON(t, ts, http.MethodPost, "/api/tasks/t1/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, ts, http.MethodGet, "/api/history?task_id=t1", nil)
	var records []model.RoutingRecord
	decodeJSON(t, resp, &records)
	require.NotEmpty(t, records)
	assert.Equal(t, model.OutcomeAssigned, records[0].Outcome)

	resp = doJSON(t, ts, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Counts map[model.TaskStatus]int `json:"counts"`
	}
	decodeJSON(t, resp, &status)
	assert.Equal(t, 1, status.Counts[model.TaskStatusCompleted])
}

func TestErrors(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing task", http.MethodGet, "/api/tasks/nope", nil, http.StatusNotFound},
		{"invalid priority", http.MethodPost, "/api/tasks", map[string]interface{}{"title": "x", "priority": 9}, http.StatusBadRequest},
		{"empty title", http.MethodPost, "/api/tasks", map[string]interface{}{"title": ""}, http.StatusBadRequest},
		{"unknown assignee", http.MethodPost, "/api/tasks", map[string]interface{}{"title": "x", "assigned_to": "OMEGA"}, http.StatusBadRequest},
		{"self dependency", http.MethodPost, "/api/tasks", map[string]interface{}{"id": "s", "title": "x", "dependencies": []string{"s"}}, http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/api/tasks/nope/explode", nil, http.StatusNotFound},
		{"cancel missing", http.MethodPost, "/api/tasks/nope/cancel", nil, http.StatusNotFound},
		{"unknown status filter", http.MethodGet, "/api/tasks?status=sleeping", nil, http.StatusBadRequest},
		{"bad health state", http.MethodPut, "/api/agents/alpha/health", map[string]interface{}{"state": "asleep"}, http.StatusBadRequest},
		{"unknown agent", http.MethodPut, "/api/agents/omega/health", map[string]interface{}{"state": "active"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, ts, tt.method, tt.path, tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAgentsAndSweep(t *testing.T) {
	a, ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPut, "/api/agents/beta/health", map[string]interface{}{"state": "offline", "pin": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agent model.Agent
	decodeJSON(t, resp, &agent)
	assert.Equal(t, model.HealthOffline, agent.Health)

	resp = doJSON(t, ts, http.MethodGet, "/api/agents", nil)
	var body struct {
		Agents  []model.Agent `json:"agents"`
		Summary struct {
			Offline int `json:"offline"`
		} `json:"summary"`
	}
	decodeJSON(t, resp, &body)
	assert.Len(t, body.Agents, len(a.Registry.List()))
	assert.Equal(t, 1, body.Summary.Offline)

	for _, id := range []string{"d1", "d2"} {
		resp = doJSON(t, ts, http.MethodPost, "/api/tasks", map[string]interface{}{"id": id, "title": "Write release notes"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report model.SweepReport
	decodeJSON(t, resp, &report)
	require.Len(t, report.Archived, 1)

	resp = doJSON(t, ts, http.MethodGet, "/api/archive", nil)
	var archived []model.ArchivedTask
	decodeJSON(t, resp, &archived)
	require.Len(t, archived, 1)

	resp = doJSON(t, ts, http.MethodGet, "/api/alerts", nil)
	var alerts []model.Alert
	decodeJSON(t, resp, &alerts)
	require.NotEmpty(t, alerts)
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/lock"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/pipeline"
	"github.com/sells-group/substack-intel/internal/session"
	"github.com/sells-group/substack-intel/internal/store"
)

type mockPipeline struct{ mock.Mock }

func (m *mockPipeline) Start(ctx context.Context, req pipeline.RunRequest) (string, <-chan pipeline.RunResult, error) {
	args := m.Called(ctx, req)
	done, _ := args.Get(1).(<-chan pipeline.RunResult)
	return args.String(0), done, args.Error(2)
}

func (m *mockPipeline) RunAll(ctx context.Context, trigger model.Trigger) ([]*pipeline.RunSummary, error) {
	args := m.Called(ctx, trigger)
	sums, _ := args.Get(0).([]*pipeline.RunSummary)
	return sums, args.Error(1)
}

func (m *mockPipeline) Status(ctx context.Context, userID string) (model.Progress, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(model.Progress), args.Error(1)
}

func (m *mockPipeline) Unlock(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockPipeline) ResetFailed(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type mockCompanies struct{ mock.Mock }

func (m *mockCompanies) GetCompany(ctx context.Context, id int64) (*model.Company, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*model.Company)
	return c, args.Error(1)
}

func (m *mockCompanies) ListCompanies(ctx context.Context, f store.CompanyFilter) ([]model.Company, error) {
	args := m.Called(ctx, f)
	c, _ := args.Get(0).([]model.Company)
	return c, args.Error(1)
}

func (m *mockCompanies) ListMentions(ctx context.Context, companyID int64) ([]model.Mention, error) {
	args := m.Called(ctx, companyID)
	ms, _ := args.Get(0).([]model.Mention)
	return ms, args.Error(1)
}

type chanEvents struct {
	ch chan model.Progress
}

func (c *chanEvents) Subscribe(string) (<-chan model.Progress, func()) {
	return c.ch, func() {}
}

type fixture struct {
	srv       *Server
	pipe      *mockPipeline
	companies *mockCompanies
	events    *chanEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pipe:      new(mockPipeline),
		companies: new(mockCompanies),
		events:    &chanEvents{ch: make(chan model.Progress, 4)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.srv = New(ctx, config.ServerConfig{Port: 0}, Deps{
		Pipeline:  f.pipe,
		Events:    f.events,
		Companies: f.companies,
		Sessions: session.NewTokenProvider([]config.TokenConfig{
			{Token: "alice-token", UserID: "alice"},
			{Token: "admin-token", UserID: "alice", Permissions: []string{session.PermAdmin}},
			{Token: "reader-token", UserID: "bob", Permissions: []string{"companies:read"}},
		}),
		CronSecret: "cron-secret",
	})
	return f
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, r)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])

	f.srv.deps.Health = func(context.Context) error { return errors.New("db down") }
	rr = f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSync_Accepted(t *testing.T) {
	f := newFixture(t)
	done := make(chan pipeline.RunResult, 1)
	done <- pipeline.RunResult{Summary: &pipeline.RunSummary{Status: model.RunStatusComplete}}
	var ro <-chan pipeline.RunResult = done

	f.pipe.On("Start", mock.Anything, pipeline.RunRequest{
		UserID:       "alice",
		Trigger:      model.TriggerManual,
		ForceRefresh: true,
		LookbackDays: 90,
	}).Return("run-1", ro, nil).Once()

	rr := f.do(http.MethodPost, "/api/pipeline/sync", "alice-token", `{"lookbackDays": 400}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "run-1", body["run_id"])

	f.srv.Wait()
	f.pipe.AssertExpectations(t)
}

func TestSync_EmptyBodyAndExplicitNoRefresh(t *testing.T) {
	f := newFixture(t)
	done := make(chan pipeline.RunResult, 2)
	done <- pipeline.RunResult{}
	done <- pipeline.RunResult{}
	var ro <-chan pipeline.RunResult = done

	f.pipe.On("Start", mock.Anything, pipeline.RunRequest{UserID: "alice", Trigger: model.TriggerManual, ForceRefresh: true}).
		Return("run-1", ro, nil).Once()
	f.pipe.On("Start", mock.Anything, pipeline.RunRequest{UserID: "alice", Trigger: model.TriggerManual, ForceRefresh: false}).
		Return("run-2", ro, nil).Once()

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/pipeline/sync", "alice-token", "").Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/pipeline/sync", "alice-token", `{"forceRefresh": false}`).Code)
	f.srv.Wait()
	f.pipe.AssertExpectations(t)
}

func TestSync_Errors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/pipeline/sync", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/pipeline/sync", "wrong", "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/pipeline/sync", "reader-token", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/pipeline/sync", "alice-token", "{nope").Code)

	f.pipe.On("Start", mock.Anything, mock.Anything).
		Return("", nil, eris.Wrap(lock.ErrLocked, "pipeline: lock alice")).Once()
	rr := f.do(http.MethodPost, "/api/pipeline/sync", "alice-token", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "pipeline already running", decode[map[string]string](t, rr)["error"])

	f.pipe.On("Start", mock.Anything, mock.Anything).Return("", nil, errors.New("db down")).Once()
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodPost, "/api/pipeline/sync", "alice-token", "").Code)
}

func TestCronSync(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/cron/sync", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/cron/sync", "alice-token", "").Code)

	f.pipe.On("RunAll", mock.Anything, model.TriggerScheduled).
		Return([]*pipeline.RunSummary{{UserID: "alice"}}, nil).Once()
	rr := f.do(http.MethodPost, "/api/cron/sync", "cron-secret", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	f.srv.Wait()
	f.pipe.AssertExpectations(t)
}

func TestCronSync_NoSecretConfigured(t *testing.T) {
	f := newFixture(t)
	f.srv.deps.CronSecret = ""
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/cron/sync", "", "").Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.pipe.On("Status", mock.Anything, "alice").Return(model.Progress{
		UserID:   "alice",
		Status:   model.RunStatusRunning,
		Progress: 40,
		Message:  "processing email 3 of 5",
	}, nil)

	rr := f.do(http.MethodGet, "/api/pipeline/status", "alice-token", "")
	require.Equal(t, http.StatusOK, rr.Code)
	p := decode[model.Progress](t, rr)
	assert.Equal(t, model.RunStatusRunning, p.Status)
	assert.Equal(t, 40, p.Progress)
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/pipeline/unlock", "alice-token", "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/emails/reset-failed", "alice-token", "").Code)

	f.pipe.On("Unlock", mock.Anything, "alice").Return(nil).Once()
	rr := f.do(http.MethodPost, "/api/pipeline/unlock", "admin-token", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "unlocked", decode[map[string]string](t, rr)["status"])

	f.pipe.On("ResetFailed", mock.Anything, "alice").Return(2, nil).Once()
	rr = f.do(http.MethodPost, "/api/emails/reset-failed", "admin-token", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rr)["reset"])

	f.pipe.On("Unlock", mock.Anything, "alice").Return(errors.New("db down")).Once()
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodPost, "/api/pipeline/unlock", "admin-token", "").Code)
	f.pipe.AssertExpectations(t)
}

func TestListCompanies(t *testing.T) {
	f := newFixture(t)
	f.companies.On("ListCompanies", mock.Anything, store.CompanyFilter{UserID: "alice", Limit: 500, Offset: 10}).
		Return([]model.Company{{ID: 1, UserID: "alice", Name: "Acme"}}, nil).Once()
	f.companies.On("ListCompanies", mock.Anything, store.CompanyFilter{UserID: "alice", Limit: 50}).
		Return(nil, nil).Once()

	rr := f.do(http.MethodGet, "/api/companies?limit=9999&offset=10", "alice-token", "")
	require.Equal(t, http.StatusOK, rr.Code)
	companies := decode[[]model.Company](t, rr)
	require.Len(t, companies, 1)
	assert.Equal(t, "Acme", companies[0].Name)

	rr = f.do(http.MethodGet, "/api/companies", "alice-token", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/companies?limit=-1", "alice-token", "").Code)
	f.companies.AssertExpectations(t)
}

func TestListMentions(t *testing.T) {
	f := newFixture(t)
	f.companies.On("GetCompany", mock.Anything, int64(1)).Return(&model.Company{ID: 1, UserID: "alice", Name: "Acme"}, nil)
	f.companies.On("GetCompany", mock.Anything, int64(2)).Return(&model.Company{ID: 2, UserID: "bob", Name: "Globex"}, nil)
	f.companies.On("GetCompany", mock.Anything, int64(3)).Return(nil, eris.Wrap(store.ErrNotFound, "get company 3"))
	f.companies.On("ListMentions", mock.Anything, int64(1)).
		Return([]model.Mention{{ID: 10, CompanyID: 1, EmailID: "e1"}}, nil)

	rr := f.do(http.MethodGet, "/api/companies/1/mentions", "alice-token", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Company  model.Company   `json:"company"`
		Mentions []model.Mention `json:"mentions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Acme", body.Company.Name)
	require.Len(t, body.Mentions, 1)
	assert.Equal(t, "e1", body.Mentions[0].EmailID)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/companies/2/mentions", "alice-token", "").Code, "other tenant's company")
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/companies/3/mentions", "alice-token", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/companies/abc/mentions", "alice-token", "").Code)
}

func TestEvents_StreamsProgress(t *testing.T) {
	f := newFixture(t)
	f.pipe.On("Status", mock.Anything, "alice").Return(model.IdleProgress("alice"), nil)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/pipeline/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice-token")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	first := readEvent(t, rd)
	assert.Equal(t, model.RunStatusIdle, first.Status)

	f.events.ch <- model.Progress{UserID: "alice", Status: model.RunStatusRunning, Progress: 20}
	second := readEvent(t, rd)
	assert.Equal(t, model.RunStatusRunning, second.Status)
	assert.Equal(t, 20, second.Progress)
}

func readEvent(t *testing.T, rd *bufio.Reader) model.Progress {
	t.Helper()
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var p model.Progress
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &p))
			return p
		}
	}
}

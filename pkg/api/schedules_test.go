package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maintainer-dashboard/pdf-export/pkg/mail"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
	"github.com/maintainer-dashboard/pdf-export/pkg/store"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	schedules map[int64]*model.Schedule
	runs      map[int64][]*model.Run
	failWrite error
}

func newMemStore() *memStore {
	return &memStore{schedules: map[int64]*model.Schedule{}, runs: map[int64][]*model.Run{}}
}

func (m *memStore) ListSchedules() ([]*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) GetSchedule(id int64) (*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %d: %w", id, store.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) CreateSchedule(s *model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.nextID++
	s.ID = m.nextID
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *memStore) UpdateSchedule(s *model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return fmt.Errorf("schedule %d: %w", s.ID, store.ErrNotFound)
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *memStore) DeleteSchedule(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %d: %w", id, store.ErrNotFound)
	}
	delete(m.schedules, id)
	return nil
}

func (m *memStore) ListRuns(id int64) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Run{}, m.runs[id]...), nil
}

type stubScheduler struct {
	mu       sync.Mutex
	next     time.Time
	executed []int64
}

func (s *stubScheduler) CalculateNextRun(*model.Schedule) time.Time { return s.next }

func (s *stubScheduler) ExecuteSchedule(schedule *model.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, schedule.ID)
}

func newScheduleHandler(st *memStore, sch *stubScheduler, opts Options) *Handler {
	gin.SetMode(gin.TestMode)
	return NewHandler(&fakeExporter{}, st, sch, opts)
}

func validSchedule() map[string]any {
	return map[string]any{
		"name":          "Weekly maintainers",
		"target":        map[string]any{"url": "http://dash.local/dashboard", "filename": "weekly"},
		"interval_type": "weekly",
		"timezone":      "UTC",
		"recipients":    map[string]any{"to": []string{"team@example.com"}},
		"enabled":       true,
	}
}

func TestCreateSchedule(t *testing.T) {
	next := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	h := newScheduleHandler(st, &stubScheduler{next: next}, Options{})

	w := do(h, http.MethodPost, "/api/schedules", validSchedule())

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 1, body["id"])
	assert.Equal(t, "2026-03-16T00:00:00Z", body["next_run_at"])

	saved, err := st.GetSchedule(1)
	require.NoError(t, err)
	assert.Equal(t, "weekly", saved.Target.Filename)
}

func TestCreateScheduleDisabledHasNoNextRun(t *testing.T) {
	st := newMemStore()
	h := newScheduleHandler(st, &stubScheduler{next: time.Now()}, Options{})
	in := validSchedule()
	in["enabled"] = false

	w := do(h, http.MethodPost, "/api/schedules", in)

	require.Equal(t, http.StatusCreated, w.Code)
	_, has := decode(t, w)["next_run_at"]
	assert.False(t, has)
}

func TestCreateScheduleValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		opts   Options
	}{
		{"missing name", func(m map[string]any) { m["name"] = "" }, Options{}},
		{"bad target", func(m map[string]any) { m["target"] = map[string]any{"url": "ftp://x"} }, Options{}},
		{"bad cron", func(m map[string]any) { m["cron_expr"] = "not a cron" }, Options{}},
		{"no recipients", func(m map[string]any) { m["recipients"] = map[string]any{"to": []string{}} }, Options{}},
		{"domain not allowed", func(map[string]any) {}, Options{AllowedDomains: []string{"corp.local"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			h := newScheduleHandler(st, &stubScheduler{}, tt.opts)
			in := validSchedule()
			tt.mutate(in)

			w := do(h, http.MethodPost, "/api/schedules", in)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "E1001", decode(t, w)["code"])
			assert.Empty(t, st.schedules)
		})
	}
}

func TestScheduleNotFound(t *testing.T) {
	h := newScheduleHandler(newMemStore(), &stubScheduler{}, Options{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/schedules/42"},
		{http.MethodDelete, "/api/schedules/42"},
		{http.MethodPost, "/api/schedules/42/run"},
	} {
		w := do(h, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.method+" "+tc.path)
		assert.Equal(t, "E3001", decode(t, w)["code"])
	}
}

func TestScheduleInvalidID(t *testing.T) {
	h := newScheduleHandler(newMemStore(), &stubScheduler{}, Options{})

	w := do(h, http.MethodGet, "/api/schedules/abc", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateSchedulePreservesHistory(t *testing.T) {
	last := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.nextID = 7
	st.schedules[7] = &model.Schedule{ID: 7, Name: "old", LastRunAt: &last, CreatedAt: created}
	h := newScheduleHandler(st, &stubScheduler{next: last.Add(7 * 24 * time.Hour)}, Options{})

	in := validSchedule()
	in["name"] = "renamed"
	w := do(h, http.MethodPut, "/api/schedules/7", in)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	saved, err := st.GetSchedule(7)
	require.NoError(t, err)
	assert.Equal(t, "renamed", saved.Name)
	require.NotNil(t, saved.LastRunAt)
	assert.True(t, saved.LastRunAt.Equal(last))
	assert.True(t, saved.CreatedAt.Equal(created))
	require.NotNil(t, saved.NextRunAt)
	assert.True(t, saved.NextRunAt.Equal(last.Add(7*24*time.Hour)))
}

func TestRunScheduleAndListRuns(t *testing.T) {
	st := newMemStore()
	st.schedules[3] = &model.Schedule{ID: 3, Name: "daily"}
	st.runs[3] = []*model.Run{{ID: 1, ScheduleID: 3, Status: model.RunStatusCompleted, Documents: 2}}
	sch := &stubScheduler{}
	h := newScheduleHandler(st, sch, Options{})

	w := do(h, http.MethodPost, "/api/schedules/3/run", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []int64{3}, sch.executed)

	w = do(h, http.MethodGet, "/api/schedules/3/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode(t, w)["runs"].([]any)
	require.Len(t, runs, 1)
	assert.EqualValues(t, 2, runs[0].(map[string]any)["documents"])
}

func TestDeleteSchedule(t *testing.T) {
	st := newMemStore()
	st.schedules[5] = &model.Schedule{ID: 5}
	h := newScheduleHandler(st, &stubScheduler{}, Options{})

	w := do(h, http.MethodDelete, "/api/schedules/5", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, st.schedules)
}

func TestStoreFailureHidesMessageInProduction(t *testing.T) {
	st := newMemStore()
	st.failWrite = errors.New("database is locked")
	h := newScheduleHandler(st, &stubScheduler{}, Options{})

	w := do(h, http.MethodPost, "/api/schedules", validSchedule())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "E3002", body["code"])
	assert.Equal(t, "Internal server error", body["message"])
}

func TestSMTPTest(t *testing.T) {
	tests := []struct {
		name        string
		cfg         mail.Config
		dialErr     error
		wantSuccess bool
		wantError   string
		wantDialed  bool
	}{
		{"missing host", mail.Config{Port: 587, From: "a@b.c"}, nil, false, "SMTP host is required", false},
		{"missing port", mail.Config{Host: "smtp.local", From: "a@b.c"}, nil, false, "SMTP port is required", false},
		{"missing from", mail.Config{Host: "smtp.local", Port: 587}, nil, false, "From address is required", false},
		{"dial failure", mail.Config{Host: "smtp.local", Port: 587, From: "a@b.c"}, errors.New("connection refused"), false, "connection refused", true},
		{"success", mail.Config{Host: "smtp.local", Port: 587, From: "a@b.c"}, nil, true, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&fakeExporter{}, Options{})
			dialed := false
			h.smtpTest = func(mail.Config) error {
				dialed = true
				return tt.dialErr
			}

			w := do(h, http.MethodPost, "/api/smtp/test", tt.cfg)

			require.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.wantSuccess, body["success"])
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
			}
			assert.Equal(t, tt.wantDialed, dialed)
		})
	}
}

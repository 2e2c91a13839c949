package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maintainer-dashboard/pdf-export/pkg/model"
)

func TestScheduleRoundTrip(t *testing.T) {
	st := newTestStore(t)

	next := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	in := sampleSchedule()
	in.NextRunAt = &next
	require.NoError(t, st.CreateSchedule(in))
	require.NotZero(t, in.ID)

	out, err := st.GetSchedule(in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Target.URL, out.Target.URL)
	assert.Equal(t, []string{".metric-card"}, out.Target.Sections)
	assert.Equal(t, in.Recipients, out.Recipients)
	assert.True(t, out.Enabled)
	require.NotNil(t, out.NextRunAt)
	assert.True(t, next.Equal(*out.NextRunAt))
}

func TestOpenStoreClosesDatabaseOnSetupFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "pdf-export.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	st, err := openStore(db, path)

	require.Error(t, err)
	assert.Nil(t, st)
	assert.EqualError(t, db.Ping(), "sql: database is closed")
}

func TestGetScheduleNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetSchedule(42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteSchedule(42), ErrNotFound)
}

func TestGetDueSchedules(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := sampleSchedule()
	due.NextRunAt = &past
	notYet := sampleSchedule()
	notYet.NextRunAt = &future
	never := sampleSchedule()
	disabled := sampleSchedule()
	disabled.Enabled = false
	disabled.NextRunAt = &past

	for _, s := range []*model.Schedule{due, notYet, never, disabled} {
		require.NoError(t, st.CreateSchedule(s))
	}

	got, err := st.GetDueSchedules(now)
	require.NoError(t, err)

	ids := make([]int64, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []int64{due.ID, never.ID}, ids)
}

func TestDeleteScheduleCascadesRuns(t *testing.T) {
	st := newTestStore(t)

	s := sampleSchedule()
	require.NoError(t, st.CreateSchedule(s))
	require.NoError(t, st.CreateRun(&model.Run{ScheduleID: s.ID, StartedAt: time.Now(), Status: model.RunStatusRunning}))

	require.NoError(t, st.DeleteSchedule(s.ID))

	runs, err := st.ListRuns(s.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestParseTimestamp(t *testing.T) {
	for _, in := range []string{
		"2026-01-02 03:04:05",
		"2026-01-02 03:04:05 +0000 UTC",
		"2026-01-02T03:04:05Z",
	} {
		got := parseTimestamp(in)
		require.NotNil(t, got, in)
		assert.Equal(t, 2026, got.Year())
	}
	assert.Nil(t, parseTimestamp(""))
	assert.Nil(t, parseTimestamp("yesterday"))
}

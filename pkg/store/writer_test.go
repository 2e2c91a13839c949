package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleSchedule() *model.Schedule {
	return &model.Schedule{
		Name:         "octocat weekly",
		Target:       model.ExportRequest{URL: "https://dash.example.com/octocat", Filename: "octocat", Sections: []string{".metric-card"}},
		IntervalType: "weekly",
		Timezone:     "UTC",
		Recipients:   model.Recipients{To: []string{"lead@example.com"}},
		EmailSubject: "Weekly {{schedule.name}}",
		Enabled:      true,
	}
}

// Concurrent writers must never surface SQLITE_BUSY because every write
// goes through the single writer goroutine.
func TestConcurrentWrites(t *testing.T) {
	st := newTestStore(t)

	const numSchedules, numRuns = 10, 5
	var wg sync.WaitGroup
	errCh := make(chan error, numSchedules*(1+numRuns*2))

	for i := 0; i < numSchedules; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			schedule := sampleSchedule()
			if err := st.CreateSchedule(schedule); err != nil {
				errCh <- err
				return
			}

			var runs sync.WaitGroup
			for j := 0; j < numRuns; j++ {
				runs.Add(1)
				go func() {
					defer runs.Done()
					run := &model.Run{ScheduleID: schedule.ID, StartedAt: time.Now(), Status: model.RunStatusRunning}
					if err := st.CreateRun(run); err != nil {
						errCh <- err
						return
					}
					finished := time.Now()
					run.FinishedAt = &finished
					run.Status = model.RunStatusCompleted
					run.Bytes = 1024
					if err := st.UpdateRun(run); err != nil {
						errCh <- err
					}
				}()
			}
			runs.Wait()
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent write failed: %v", err)
	}

	schedules, err := st.ListSchedules()
	require.NoError(t, err)
	assert.Len(t, schedules, numSchedules)

	runs, err := st.ListRuns(schedules[0].ID)
	require.NoError(t, err)
	assert.Len(t, runs, numRuns)
	for _, r := range runs {
		assert.Equal(t, model.RunStatusCompleted, r.Status)
		assert.NotNil(t, r.FinishedAt)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	assert.Error(t, st.CreateSchedule(sampleSchedule()))
}

func TestWriterRunsJobsInSubmissionOrder(t *testing.T) {
	w := startWriter(zap.NewNop(), 4)
	defer w.stop()

	var order []int
	for i := 0; i < 20; i++ {
		require.NoError(t, w.do("append", func() error {
			order = append(order, i)
			return nil
		}))
	}

	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestWriterReturnsJobError(t *testing.T) {
	w := startWriter(zap.NewNop(), 1)
	defer w.stop()

	err := w.do("fail", func() error { return ErrNotFound })

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriterStopIsIdempotent(t *testing.T) {
	w := startWriter(zap.NewNop(), 1)
	w.stop()
	w.stop()

	assert.ErrorIs(t, w.do("late", func() error { return nil }), errStoreClosed)
}

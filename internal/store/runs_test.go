package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sourceplane/marketsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	started := time.Date(2026, 3, 2, 5, 15, 0, 123, time.UTC)

	run := model.JobRun{
		ID:        "run-1",
		EventID:   "event-1",
		Family:    model.FamilyETF,
		Trigger:   model.EventScheduled,
		Status:    model.RunStatusRunning,
		StartedAt: started,
	}
	require.NoError(t, s.UpsertRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.True(t, got.EndedAt.IsZero())
	assert.True(t, started.Equal(got.StartedAt))

	run.Status = model.RunStatusSucceeded
	run.EndedAt = started.Add(90 * time.Second)
	run.Commit = "0123456789abcdef"
	require.NoError(t, s.UpsertRun(ctx, run))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, "0123456789abcdef", got.Commit)
	assert.True(t, run.EndedAt.Equal(got.EndedAt))
	assert.Equal(t, model.EventScheduled, got.Trigger)
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestUpsertRun_RequiresIdentity(t *testing.T) {
	s := openTestStore(t)

	assert.Error(t, s.UpsertRun(context.Background(), model.JobRun{Family: model.FamilyETF}))
	assert.Error(t, s.UpsertRun(context.Background(), model.JobRun{ID: "run-1"}))
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)

	runs := []model.JobRun{
		{ID: "a", EventID: "e1", Family: model.FamilyETF, Trigger: model.EventScheduled, Status: model.RunStatusSucceeded, StartedAt: base},
		{ID: "b", EventID: "e2", Family: model.FamilyFXRates, Trigger: model.EventScheduled, Status: model.RunStatusFailed, StartedAt: base.Add(time.Hour), Error: "download failed"},
		{ID: "c", EventID: "e3", Family: model.FamilyETF, Trigger: model.EventManual, Status: model.RunStatusSucceeded, StartedAt: base.Add(2 * time.Hour)},
	}
	for _, run := range runs {
		require.NoError(t, s.UpsertRun(ctx, run))
	}

	all, err := s.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "download failed", all[1].Error)

	etf, err := s.ListRuns(ctx, model.FamilyETF, 10)
	require.NoError(t, err)
	require.Len(t, etf, 2)
	assert.Equal(t, "c", etf[0].ID)

	limited, err := s.ListRuns(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)
}

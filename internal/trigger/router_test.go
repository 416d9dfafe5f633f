package trigger

import (
	"testing"
	"time"

	"github.com/sourceplane/marketsync/internal/loader"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRouter(t *testing.T) *Router {
	t.Helper()
	workflow, err := loader.LoadWorkflow("")
	require.NoError(t, err)
	router, err := NewRouter(workflow)
	require.NoError(t, err)
	return router
}

func activeFamilies(active map[model.Family]bool) []model.Family {
	var families []model.Family
	for family, on := range active {
		if on {
			families = append(families, family)
		}
	}
	return families
}

func TestActivate_ScheduledMatchesExactlyOneFamily(t *testing.T) {
	router := defaultRouter(t)
	at := time.Date(2026, 3, 2, 5, 15, 0, 0, time.UTC)

	tests := []struct {
		cron string
		want model.Family
	}{
		{"15 5 * * *", model.FamilyETF},
		{"30 5 * * *", model.FamilyVIXFutures},
		{"45 5 * * *", model.FamilyFXRates},
		{"0 21 * * 0-4", model.FamilyLimitsAlerterMorning},
		{"30 1 * * 1-5", model.FamilyLimitsAlerterMidmorning},
	}

	for _, tt := range tests {
		t.Run(tt.cron, func(t *testing.T) {
			active := router.Activate(model.ScheduledEvent(tt.cron, at))
			assert.Equal(t, []model.Family{tt.want}, activeFamilies(active))
		})
	}
}

func TestActivate_UnmatchedCronIsNoOp(t *testing.T) {
	router := defaultRouter(t)

	event := model.ScheduledEvent("0 0 1 1 *", time.Now())
	assert.Empty(t, activeFamilies(router.Activate(event)))
	assert.Empty(t, router.Candidates(event))
}

func TestActivate_CronMatchIsStringEquality(t *testing.T) {
	router := defaultRouter(t)

	// same schedule, different spelling
	event := model.ScheduledEvent("15 5 * * 0-6", time.Now())
	assert.Empty(t, activeFamilies(router.Activate(event)))
}

func TestActivate_ManualSelectsEveryFamily(t *testing.T) {
	router := defaultRouter(t)

	active := router.Activate(model.ManualEvent(time.Now()))
	assert.Len(t, active, 6)
	for family, on := range active {
		assert.True(t, on, "family %s should be active on manual dispatch", family)
	}
}

func TestCandidates_PullsInGatedDownstream(t *testing.T) {
	router := defaultRouter(t)

	candidates := router.Candidates(model.ScheduledEvent("15 5 * * *", time.Now()))
	assert.Equal(t, []model.Family{model.FamilyETF, model.FamilyNAVCalculations}, candidates)

	candidates = router.Candidates(model.ScheduledEvent("0 21 * * 0-4", time.Now()))
	assert.Equal(t, []model.Family{model.FamilyLimitsAlerterMorning}, candidates)
}

func TestGateOpen(t *testing.T) {
	router := defaultRouter(t)
	scheduled := model.ScheduledEvent("15 5 * * *", time.Now())
	allSucceeded := map[model.Family]model.RunStatus{
		model.FamilyETF:        model.RunStatusSucceeded,
		model.FamilyVIXFutures: model.RunStatusSucceeded,
		model.FamilyFXRates:    model.RunStatusSucceeded,
	}

	t.Run("manual bypasses the gate", func(t *testing.T) {
		open, err := router.GateOpen(model.FamilyNAVCalculations, model.ManualEvent(time.Now()), nil)
		require.NoError(t, err)
		assert.True(t, open)
	})

	t.Run("scheduled opens when every need succeeded", func(t *testing.T) {
		open, err := router.GateOpen(model.FamilyNAVCalculations, scheduled, allSucceeded)
		require.NoError(t, err)
		assert.True(t, open)
	})

	t.Run("scheduled stays closed when a need did not run", func(t *testing.T) {
		upstream := map[model.Family]model.RunStatus{model.FamilyETF: model.RunStatusSucceeded}
		open, err := router.GateOpen(model.FamilyNAVCalculations, scheduled, upstream)
		require.NoError(t, err)
		assert.False(t, open)
	})

	t.Run("scheduled stays closed when a need failed", func(t *testing.T) {
		upstream := map[model.Family]model.RunStatus{
			model.FamilyETF:        model.RunStatusSucceeded,
			model.FamilyVIXFutures: model.RunStatusFailed,
			model.FamilyFXRates:    model.RunStatusSucceeded,
		}
		open, err := router.GateOpen(model.FamilyNAVCalculations, scheduled, upstream)
		require.NoError(t, err)
		assert.False(t, open)
	})

	t.Run("families without needs are always open", func(t *testing.T) {
		open, err := router.GateOpen(model.FamilyETF, scheduled, nil)
		require.NoError(t, err)
		assert.True(t, open)
	})

	t.Run("unknown family", func(t *testing.T) {
		_, err := router.GateOpen("bogus", scheduled, nil)
		assert.ErrorIs(t, err, ErrUnknownFamily)
	})
}

func TestShouldRun(t *testing.T) {
	router := defaultRouter(t)
	scheduled := model.ScheduledEvent("15 5 * * *", time.Now())

	run, err := router.ShouldRun(model.FamilyETF, scheduled, nil)
	require.NoError(t, err)
	assert.True(t, run)

	run, err = router.ShouldRun(model.FamilyFXRates, scheduled, nil)
	require.NoError(t, err)
	assert.False(t, run)

	run, err = router.ShouldRun(model.FamilyNAVCalculations, model.ManualEvent(time.Now()), nil)
	require.NoError(t, err)
	assert.True(t, run)
}

func TestNewRouter_RejectsSharedCron(t *testing.T) {
	workflow := &model.Workflow{Jobs: []model.JobSpec{
		{Family: "a", Schedule: "15 5 * * *"},
		{Family: "b", Schedule: "15 5 * * *"},
	}}

	_, err := NewRouter(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bound to both a and b")
}

func TestNewRouter_RejectsMalformedCron(t *testing.T) {
	workflow := &model.Workflow{Jobs: []model.JobSpec{
		{Family: "a", Schedule: "61 5 * * *"},
	}}

	_, err := NewRouter(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestRulesAndNext(t *testing.T) {
	router := defaultRouter(t)

	rules := router.Rules()
	require.Len(t, rules, 5)
	assert.Equal(t, model.ScheduleRule{Cron: "15 5 * * *", Family: model.FamilyETF}, rules[0])

	from := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	next, err := router.Next(model.FamilyETF, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 5, 15, 0, 0, time.UTC), next)

	next, err = router.Next(model.FamilyNAVCalculations, from)
	require.NoError(t, err)
	assert.True(t, next.IsZero())
}

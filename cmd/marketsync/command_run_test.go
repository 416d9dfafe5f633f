package main

import (
	"testing"
	"time"

	"github.com/sourceplane/marketsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFromFlags(t *testing.T) {
	now := time.Date(2026, 3, 2, 5, 15, 0, 0, time.UTC)

	event, err := eventFromFlags("manual", "", now)
	require.NoError(t, err)
	assert.Equal(t, model.ManualEvent(now), event)

	event, err = eventFromFlags("scheduled", "15 5 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduledEvent("15 5 * * *", now), event)

	_, err = eventFromFlags("scheduled", "", now)
	assert.Error(t, err)

	_, err = eventFromFlags("manual", "15 5 * * *", now)
	assert.Error(t, err)

	_, err = eventFromFlags("webhook", "", now)
	assert.Error(t, err)
}

func TestGateDescription(t *testing.T) {
	nav := &model.JobSpec{Family: model.FamilyNAVCalculations, Needs: []model.Family{model.FamilyETF, model.FamilyFXRates}}
	etf := &model.JobSpec{Family: model.FamilyETF}

	assert.Equal(t, "bypassed", gateDescription(nav, model.ManualEvent(time.Now())))
	assert.Equal(t, "needs etf-data, fx-rates", gateDescription(nav, model.ScheduledEvent("15 5 * * *", time.Now())))
	assert.Equal(t, "-", gateDescription(etf, model.ManualEvent(time.Now())))
}

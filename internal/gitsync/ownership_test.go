package gitsync

import (
	"testing"

	"github.com/sourceplane/marketsync/internal/loader"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobsOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"data/*.csv", "data/vix_futures_*.csv", true},
		{"data/limits_alerter.log", "data/limits_alerter.log", true},
		{"data/*.log", "data/mufg_fx_downloader.log", true},
		{"data/fx_data_*.csv", "data/estimated_navs.csv", false},
		{"data/vix_futures_*.csv", "data/nav_data_*.csv", false},
		{"data/*.csv", "logs/*.csv", false},
	}

	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, globsOverlap(tt.a, tt.b))
			assert.Equal(t, tt.want, globsOverlap(tt.b, tt.a))
		})
	}
}

func TestCheckOwnership_DefaultWorkflowFlagsSharedPaths(t *testing.T) {
	workflow, err := loader.LoadWorkflow("")
	require.NoError(t, err)

	overlaps := CheckOwnership(workflow)
	require.NotEmpty(t, overlaps)

	var alerters, etfWide bool
	for _, o := range overlaps {
		assert.NotEqual(t, o.First.Owner, o.Second.Owner)
		if o.First.Owner == model.FamilyLimitsAlerterMorning && o.Second.Owner == model.FamilyLimitsAlerterMidmorning {
			alerters = true
		}
		if o.First.Owner == model.FamilyETF && o.First.Path == "data/*.csv" {
			etfWide = true
		}
	}
	assert.True(t, alerters, "both alerters write data/limits_alerter.log")
	assert.True(t, etfWide, "the ETF family claims every csv")

	err = &OwnershipError{Overlaps: overlaps}
	assert.Contains(t, err.Error(), "overlapping ownership")
}

func TestCheckOwnership_Disjoint(t *testing.T) {
	workflow := &model.Workflow{Jobs: []model.JobSpec{
		{Family: model.FamilyVIXFutures, Owns: []string{"data/vix_futures_*.csv"}},
		{Family: model.FamilyFXRates, Owns: []string{"data/fx_data_*.csv"}},
		{Family: model.FamilyNAVCalculations, Owns: []string{"data/estimated_navs.csv", "data/estimated_navs_calculator.log"}},
	}}

	assert.Empty(t, CheckOwnership(workflow))
}

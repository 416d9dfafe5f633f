package main

import (
	"bytes"
	"testing"

	"github.com/sourceplane/marketsync/internal/loader"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintDefaultWorkflow(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printDefaultWorkflow(&out))

	workflow, err := loader.ParseWorkflow(out.Bytes())
	require.NoError(t, err)
	require.NotNil(t, workflow.Job(model.FamilyNAVCalculations))
	assert.Equal(t, "15 5 * * *", workflow.Job(model.FamilyETF).Schedule)
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWorkflow(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "minimal workflow",
			doc: `
apiVersion: marketsync.io/v1
kind: Workflow
jobs:
  - family: etf-data
    steps:
      - {name: download, run: python download_etf_data.py}
`,
		},
		{
			name: "wrong kind",
			doc: `
apiVersion: marketsync.io/v1
kind: Plan
jobs:
  - family: etf-data
    steps:
      - {name: download, run: echo}
`,
			wantErr: true,
		},
		{
			name: "no jobs",
			doc: `
apiVersion: marketsync.io/v1
kind: Workflow
jobs: []
`,
			wantErr: true,
		},
		{
			name: "unknown job field",
			doc: `
apiVersion: marketsync.io/v1
kind: Workflow
jobs:
  - family: etf-data
    cron: "15 5 * * *"
    steps:
      - {name: download, run: echo}
`,
			wantErr: true,
		},
		{
			name: "uppercase family",
			doc: `
apiVersion: marketsync.io/v1
kind: Workflow
jobs:
  - family: ETF
    steps:
      - {name: download, run: echo}
`,
			wantErr: true,
		},
		{
			name: "bad timeout",
			doc: `
apiVersion: marketsync.io/v1
kind: Workflow
jobs:
  - family: etf-data
    steps:
      - {name: download, run: echo, timeout: 10 minutes}
`,
			wantErr: true,
		},
		{
			name: "negative retention",
			doc: `
apiVersion: marketsync.io/v1
kind: Workflow
jobs:
  - family: etf-data
    steps:
      - {name: download, run: echo}
    publish:
      - {name: etf-data, paths: ["data/*.csv"], retentionDays: -1}
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateWorkflow([]byte(tt.doc))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

package model

import "time"

// JobSpec defines one job family: when it fires, what it runs, and what it persists
type JobSpec struct {
	Family      Family         `yaml:"family" json:"family"`
	Description string         `yaml:"description" json:"description"`
	Schedule    string         `yaml:"schedule,omitempty" json:"schedule,omitempty"` // exact cron string
	Needs       []Family       `yaml:"needs,omitempty" json:"needs,omitempty"`
	Fetch       []string       `yaml:"fetch,omitempty" json:"fetch,omitempty"` // artifact bundles to download before steps
	FetchDir    string         `yaml:"fetchDir,omitempty" json:"fetchDir,omitempty"`
	Steps       []Step         `yaml:"steps" json:"steps"`
	Finally     []Step         `yaml:"finally,omitempty" json:"finally,omitempty"`
	Publish     []ArtifactSpec `yaml:"publish,omitempty" json:"publish,omitempty"`
	Owns        []string       `yaml:"owns,omitempty" json:"owns,omitempty"`
	Commit      CommitSpec     `yaml:"commit,omitempty" json:"commit,omitempty"`
}

// Step is a single execution unit within a job
type Step struct {
	Name    string            `yaml:"name" json:"name"`
	Run     string            `yaml:"run" json:"run"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ArtifactSpec is a named, ordered list of path globs published as one bundle
type ArtifactSpec struct {
	Name          string   `yaml:"name" json:"name"`
	Paths         []string `yaml:"paths" json:"paths"`
	RetentionDays int      `yaml:"retentionDays,omitempty" json:"retentionDays,omitempty"`
	Always        bool     `yaml:"always,omitempty" json:"always,omitempty"` // publish on failure too
}

// Retention converts RetentionDays into a TTL, zero meaning no expiry
func (a ArtifactSpec) Retention() time.Duration {
	if a.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// CommitSpec controls how a job persists its owned paths
type CommitSpec struct {
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
	Skip    bool   `yaml:"skip,omitempty" json:"skip,omitempty"`
}

// CommitMessage returns the configured message or the job description
func (j *JobSpec) CommitMessage() string {
	if j.Commit.Message != "" {
		return j.Commit.Message
	}
	if j.Description != "" {
		return j.Description
	}
	return "Update " + j.Family.String()
}

// Gated reports whether the job waits on upstream families
func (j *JobSpec) Gated() bool {
	return len(j.Needs) > 0
}

package model

import "time"

// EventKind distinguishes cron firings from manual dispatch
type EventKind string

const (
	EventScheduled EventKind = "scheduled"
	EventManual    EventKind = "manual"
)

// Event is one firing of the trigger mechanism
type Event struct {
	Kind    EventKind `json:"kind"`
	Cron    string    `json:"cron,omitempty"` // set only for scheduled firings
	FiredAt time.Time `json:"firedAt"`
}

// ScheduledEvent builds a firing for an exact cron string
func ScheduledEvent(cron string, at time.Time) Event {
	return Event{Kind: EventScheduled, Cron: cron, FiredAt: at}
}

// ManualEvent builds a manual-dispatch firing
func ManualEvent(at time.Time) Event {
	return Event{Kind: EventManual, FiredAt: at}
}

// RunStatus is the lifecycle state of a JobRun
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// Terminal reports whether no further transition is possible
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusSkipped
}

// JobRun records one execution of a job family for one firing
type JobRun struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"`
	Family    Family    `json:"family"`
	Trigger   EventKind `json:"trigger"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Commit    string    `json:"commit,omitempty"`
}

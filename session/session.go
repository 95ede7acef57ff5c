package session

import (
	"fmt"
	"time"
)

// Kind says what a session's process is doing.
type Kind string

const (
	KindLanguageAnalysis Kind = "analysis"
	KindBuild            Kind = "build"
	KindSimulation       Kind = "simulation"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Terminal reports whether no further transitions can follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError, StatusStopped:
		return true
	}
	return false
}

// EventType distinguishes output stream events from lifecycle events.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventStatus EventType = "status"
	EventError  EventType = "error"
)

// OutputEvent is one entry in a session's history. Events are immutable once
// appended; the append order is the replay order. A status event with a
// terminal Status is always the last event of a session.
type OutputEvent struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Status    Status    `json:"status,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a point-in-time snapshot of a tracked process session. Snapshots
// are copies; mutating one has no effect on the manager's state.
type Session struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	WorkDir         string     `json:"workDir"`
	Command         []string   `json:"command"`
	Status          Status     `json:"status"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	ExitCode        *int       `json:"exitCode,omitempty"`
	Error           string     `json:"error,omitempty"`
	OutputLineCount int        `json:"outputLineCount"`
}

// SpawnError reports a failure to start a child process: a bad executable, a
// bad working directory, or the spawn call itself erroring.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

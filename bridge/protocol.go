package bridge

import (
	"time"

	"github.com/forgebots/devbridge/session"
)

// Message types on the shared events WebSocket.
const (
	msgTypeSubscribe         = "subscribe"
	msgTypeBuildOutput       = "build_output"
	msgTypeSimulationOutput  = "simulation_output"
	msgTypeBuildHistory      = "build_history"
	msgTypeSimulationHistory = "simulation_history"
)

// controlMessage is a client-originated message on the events socket.
type controlMessage struct {
	Type         string `json:"type"`
	BuildID      string `json:"buildId,omitempty"`
	SimulationID string `json:"simulationId,omitempty"`
}

// ServerMessage is a server-originated message on the events socket. Output
// messages carry the event's fields at the top level of the message (the
// embedded OutputEvent; its own type field is superseded by the message type,
// with Stream holding the pipe name for stdout/stderr events). History
// messages carry the full replay in History and no inline event.
type ServerMessage struct {
	Type         string `json:"type"`
	BuildID      string `json:"buildId,omitempty"`
	SimulationID string `json:"simulationId,omitempty"`
	Stream       string `json:"stream,omitempty"`

	*session.OutputEvent

	History []session.OutputEvent `json:"history,omitempty"`
}

// SessionID returns whichever id the message carries.
func (m *ServerMessage) SessionID() string {
	if m.BuildID != "" {
		return m.BuildID
	}
	return m.SimulationID
}

// Event reconstructs the session event an output message carries, restoring
// the event type from the flattened fields.
func (m *ServerMessage) Event() session.OutputEvent {
	if m.OutputEvent == nil {
		return session.OutputEvent{}
	}
	ev := *m.OutputEvent
	switch {
	case m.Stream != "":
		ev.Type = session.EventType(m.Stream)
	case ev.Status != "":
		ev.Type = session.EventStatus
	case ev.Error != "":
		ev.Type = session.EventError
	}
	return ev
}

// StartBuildRequest starts a Gradle task in a workspace project.
type StartBuildRequest struct {
	Task        string `json:"task"`
	ProjectPath string `json:"projectPath"`
}

// StartSimulationRequest starts a simulation in a workspace project.
type StartSimulationRequest struct {
	SimulationType string `json:"simulationType"`
	ProjectPath    string `json:"projectPath"`
}

// StartResponse reports the outcome of a start request. The returned id is
// what clients subscribe with on the events socket.
type StartResponse struct {
	Success      bool           `json:"success"`
	BuildID      string         `json:"buildId,omitempty"`
	SimulationID string         `json:"simulationId,omitempty"`
	Status       session.Status `json:"status,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// StatusResponse is the answer to a status query.
type StatusResponse struct {
	Status          session.Status `json:"status"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	ExitCode        *int           `json:"exitCode,omitempty"`
	Error           string         `json:"error,omitempty"`
	OutputLineCount int            `json:"outputLineCount"`
}

// StopResponse acknowledges a stop request. Stopping is asynchronous; the
// terminal status arrives on the event stream.
type StopResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

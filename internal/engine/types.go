package engine

import "time"

// Mode is the execution mode sent with a submission.
type Mode string

const (
	// ModeTrigger runs the workflow as if fired by its trigger step.
	ModeTrigger Mode = "trigger"
	// ModeManual runs the workflow as a manual test execution.
	ModeManual Mode = "manual"
)

// ModeError is reported by the engine for executions that stopped on an error.
const ModeError = "error"

// ExecutionHandle is returned by a successful submission.
type ExecutionHandle struct {
	ID  string
	Raw map[string]any
}

// ExecutionSnapshot is the engine's view of a submitted execution.
type ExecutionSnapshot struct {
	Finished     bool
	StoppedAt    *time.Time
	Mode         string
	ErrorMessage *string
}

// Failed reports whether the engine finished the execution with an error.
func (s *ExecutionSnapshot) Failed() bool {
	return s.Finished && (s.Mode == ModeError || s.ErrorMessage != nil)
}

// Node is one step of a workflow definition.
type Node struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Disabled bool   `json:"disabled"`
}

// WorkflowDefinition is the subset of an engine workflow the validator reads.
type WorkflowDefinition struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Nodes  []Node `json:"nodes"`
}

type executeRequest struct {
	Data            map[string]any `json:"data"`
	RunData         map[string]any `json:"runData"`
	StartNodes      []string       `json:"startNodes"`
	DestinationNode *string        `json:"destinationNode"`
	ExecutionMode   Mode           `json:"executionMode"`
}

type executionResponse struct {
	Finished  bool       `json:"finished"`
	StoppedAt *time.Time `json:"stoppedAt"`
	Mode      string     `json:"mode"`
	Data      struct {
		ResultData struct {
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"resultData"`
	} `json:"data"`
}

package api

import (
	"net/http"
)

// Plugin contributes extra routes to the server mux.
type Plugin interface {
	Name() string
	Description() string
	RegisterRoutes(mux *http.ServeMux)
}

type CreateRunRequest struct {
	Workflow    string `json:"workflow"`
	TriggerData any    `json:"triggerData,omitempty"`
	// Start starts the run right after creating it.
	Start bool `json:"start,omitempty"`
}

type CreateRunResponse struct {
	RunID string `json:"runId"`
}

type StartRunRequest struct {
	TriggerData any `json:"triggerData,omitempty"`
}

type ResumeRequest struct {
	StepID     string         `json:"stepId"`
	ResumeData map[string]any `json:"resumeData,omitempty"`
}

type WorkflowGraphResponse struct {
	Name    string `json:"name"`
	Text    string `json:"text"`
	Mermaid string `json:"mermaid"`
}

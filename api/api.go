package api

import (
	"context"

	"github.com/rom8726/loom"
)

// APIService is the thin layer between HTTP handlers and the client facade.
type APIService struct {
	client     *loom.Client
	visualizer *loom.Visualizer
}

func NewAPIService(client *loom.Client) *APIService {
	return &APIService{
		client:     client,
		visualizer: loom.NewVisualizer(),
	}
}

func (a *APIService) CreateRun(ctx context.Context, req CreateRunRequest) (string, error) {
	if req.Start {
		return a.client.CreateAndStart(ctx, req.Workflow, req.TriggerData)
	}

	return a.client.Create(ctx, req.Workflow)
}

func (a *APIService) StartRun(ctx context.Context, runID string, triggerData any) error {
	return a.client.Start(ctx, runID, triggerData)
}

func (a *APIService) Resume(ctx context.Context, runID string, req ResumeRequest) error {
	return a.client.Resume(ctx, runID, req.StepID, req.ResumeData)
}

func (a *APIService) GetRunStatus(ctx context.Context, runID string) (*loom.RunStatusView, error) {
	return a.client.Status(ctx, runID)
}

func (a *APIService) ListRuns(ctx context.Context, filter loom.RunFilter, cursor string, limit int) (*loom.RunPage, error) {
	return a.client.List(ctx, filter, cursor, limit)
}

func (a *APIService) GetRunHistory(ctx context.Context, runID string) ([]*loom.StepState, error) {
	return a.client.History(ctx, runID)
}

func (a *APIService) GetRunEvents(ctx context.Context, runID string) ([]*loom.RunEvent, error) {
	return a.client.Events(ctx, runID)
}

func (a *APIService) GetWorkflows() []string {
	return a.client.Workflows()
}

func (a *APIService) GetWorkflowGraph(name string) (*WorkflowGraphResponse, error) {
	cfg, err := a.client.WorkflowConfig(name)
	if err != nil {
		return nil, err
	}

	return &WorkflowGraphResponse{
		Name:    cfg.Name,
		Text:    a.visualizer.RenderGraph(cfg),
		Mermaid: a.visualizer.RenderMermaid(cfg),
	}, nil
}

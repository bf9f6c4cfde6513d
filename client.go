package loom

import (
	"context"
	"fmt"
	"time"
)

const defaultPollInterval = 100 * time.Millisecond

// Client is the caller-facing facade over an engine and the registry that
// holds the workflow definitions.
type Client struct {
	engine   IEngine
	registry *Registry
	logLevel LogLevel
}

type ClientOption func(client *Client)

// WithClientLogLevel sets the log level recorded by every Create call.
func WithClientLogLevel(level LogLevel) ClientOption {
	return func(client *Client) {
		client.logLevel = level
	}
}

func NewClient(engine IEngine, registry *Registry, opts ...ClientOption) *Client {
	client := &Client{engine: engine, registry: registry}
	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Create registers a new run of the named workflow and returns its id.
func (c *Client) Create(ctx context.Context, workflowName string) (string, error) {
	wf, ok := c.registry.Workflow(workflowName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowName)
	}

	return c.engine.Create(ctx, wf.Name, wf.Name, c.logLevel)
}

func (c *Client) Start(ctx context.Context, runID string, triggerData any) error {
	return c.engine.Start(ctx, runID, triggerData)
}

// CreateAndStart is Create followed by Start.
func (c *Client) CreateAndStart(ctx context.Context, workflowName string, triggerData any) (string, error) {
	runID, err := c.Create(ctx, workflowName)
	if err != nil {
		return "", err
	}
	if err := c.Start(ctx, runID, triggerData); err != nil {
		return runID, err
	}

	return runID, nil
}

func (c *Client) Resume(ctx context.Context, runID, stepID string, resumeData map[string]any) error {
	return c.engine.Resume(ctx, runID, stepID, resumeData)
}

func (c *Client) Status(ctx context.Context, runID string) (*RunStatusView, error) {
	return c.engine.Status(ctx, runID)
}

func (c *Client) History(ctx context.Context, runID string) ([]*StepState, error) {
	return c.engine.GetStepHistory(ctx, runID)
}

func (c *Client) Events(ctx context.Context, runID string) ([]*RunEvent, error) {
	return c.engine.GetRunEvents(ctx, runID)
}

func (c *Client) List(ctx context.Context, filter RunFilter, cursor string, limit int) (*RunPage, error) {
	return c.engine.ListRuns(ctx, filter, cursor, limit)
}

func (c *Client) Stats(ctx context.Context) ([]RunStats, error) {
	return c.engine.Stats(ctx)
}

// Workflows lists the registered workflow names.
func (c *Client) Workflows() []string {
	return c.registry.Workflows()
}

// WorkflowConfig returns the encoded graph of a registered workflow.
func (c *Client) WorkflowConfig(name string) (*WorkflowConfig, error) {
	wf, ok := c.registry.Workflow(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}

	return wf.Config(), nil
}

// WaitForCompletion polls until the run finishes or pauses on a suspended
// step with nothing else active, and returns the last status seen.
func (c *Client) WaitForCompletion(ctx context.Context, runID string, pollInterval time.Duration) (*RunStatusView, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		view, err := c.engine.Status(ctx, runID)
		if err != nil {
			return nil, err
		}
		if view.Status == RunStatusFinished {
			return view, nil
		}
		if view.Status == RunStatusStarted && len(view.ActiveBranches) == 0 && len(view.SuspendedBranches) > 0 {
			return view, nil
		}

		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

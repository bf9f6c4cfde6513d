package main

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/rom8726/loom"
)

type orderInput struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

type reviewInput struct {
	OrderID  string `json:"order_id"`
	Large    bool   `json:"large"`
	Approved *bool  `json:"approved"`
}

func registerWorkflows(registry *loom.Registry) error {
	wf, err := orderReviewWorkflow()
	if err != nil {
		return err
	}
	if _, err := registry.Register(wf); err != nil {
		return err
	}

	return nil
}

// orderReviewWorkflow validates an order, asks a human to approve large orders
// and ships approved ones once both the charge and the review have succeeded.
func orderReviewWorkflow() (*loom.Workflow, error) {
	validate := loom.NewStep("validate", loom.JSONStep(
		func(ctx context.Context, params *loom.ExecuteParams, in orderInput) (map[string]any, error) {
			if in.Amount <= 0 {
				return nil, loom.Permanent(fmt.Errorf("order %s: amount must be positive", in.OrderID))
			}

			return map[string]any{"order_id": in.OrderID, "amount": in.Amount, "large": in.Amount >= 1000}, nil
		},
	), loom.WithStepDescription("Check the order payload"))

	charge := loom.NewStep("charge", loom.JSONStep(
		func(ctx context.Context, params *loom.ExecuteParams, in orderInput) (map[string]any, error) {
			params.Logger.Info("charging order")

			return map[string]any{"charged": in.Amount}, nil
		},
	), loom.WithStepRetry(loom.RetryBehavior{MaxAttempts: 3, InitialBackoffMs: 200, Base: 2}))

	review := loom.NewStep("review", loom.JSONStep(
		func(ctx context.Context, params *loom.ExecuteParams, in reviewInput) (map[string]any, error) {
			if !in.Large {
				return map[string]any{"approved": true}, nil
			}
			if in.Approved == nil {
				params.Suspend(map[string]any{"order_id": in.OrderID, "question": "approve large order?"})

				return nil, nil
			}

			return map[string]any{"approved": *in.Approved}, nil
		},
	), loom.WithStepDescription("Manual approval of large orders"))

	ship := loom.NewStep("ship", func(ctx context.Context, params *loom.ExecuteParams) (any, error) {
		return map[string]any{"shipped": true}, nil
	})

	return loom.NewBuilder("order_review", loom.WithTriggerSchema(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"order_id", "amount"},
		Properties: map[string]*jsonschema.Schema{
			"order_id": {Type: "string"},
			"amount":   {Type: "number"},
		},
	})).
		Step(validate).
		Then(charge).
		After("validate").
		Step(review, loom.WithVariables(map[string]loom.VariableRef{
			"large": loom.FromStep("validate", "large"),
		})).
		After("charge", "review").
		Step(ship,
			loom.WithWhen(loom.Condition{"review.approved": true}),
			loom.WithSkipWhenUnmet(),
		).
		Build()
}

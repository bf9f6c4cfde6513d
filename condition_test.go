package loom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestEvaluateCondition(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cctx := ConditionContext{
		TriggerData: map[string]any{"region": "eu", "amount": 120},
		Steps: map[string]StepStatus{
			"check":   Success(map[string]any{"ok": true, "score": 0.9, "labels": []any{"vip"}}),
			"review":  Success(map[string]any{"status": "approved"}),
			"broken":  Failed("boom"),
			"pending": Suspended(map[string]any{"ask": "x"}),
		},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{name: "empty", cond: Condition{}, want: true},
		{name: "dotted shorthand", cond: Condition{"check.ok": true}, want: true},
		{name: "dotted query", cond: Condition{"check.score": map[string]any{"$gte": 0.5}}, want: true},
		{name: "trigger", cond: Condition{"trigger.region": "eu"}, want: true},
		{name: "trigger missing path", cond: Condition{"trigger.missing": map[string]any{"$exists": false}}, want: true},
		{name: "failed step path", cond: Condition{"broken.value": 1}, want: false},
		{name: "status of failed step", cond: Condition{"broken.status": "failed"}, want: false},
		{name: "failed step is not success", cond: Condition{"broken.status": "success"}, want: false},
		{name: "status defaults to success", cond: Condition{"check.status": "success"}, want: true},
		{name: "status read from output", cond: Condition{"review.status": "approved"}, want: true},
		{name: "output status hides default", cond: Condition{"review.status": "success"}, want: false},
		{name: "status of suspended step", cond: Condition{"pending.status": "suspended"}, want: false},
		{name: "status of unknown step", cond: Condition{"ghost.status": "success"}, want: false},
		{name: "suspended step output", cond: Condition{"pending.ask": "x"}, want: false},
		{name: "ref", cond: Ref("check", "labels", "vip"), want: true},
		{name: "ref mismatch", cond: Ref("check", "ok", false), want: false},
		{name: "malformed ref", cond: Condition{"ref": 42}, want: false},
		{name: "and", cond: And(Condition{"check.ok": true}, Condition{"trigger.amount": map[string]any{"$gt": 100}}), want: true},
		{name: "and fails", cond: And(Condition{"check.ok": true}, Condition{"trigger.region": "us"}), want: false},
		{name: "or", cond: Or(Condition{"trigger.region": "us"}, Condition{"check.ok": true}), want: true},
		{name: "or fails", cond: Or(Condition{"trigger.region": "us"}), want: false},
		{name: "not", cond: Not(Condition{"trigger.region": "us"}), want: true},
		{
			name: "clauses are ANDed",
			cond: Condition{"check.ok": true, "not": Condition{"check.ok": true}},
			want: false,
		},
		{
			name: "json shaped combinators",
			cond: Condition{"or": []any{map[string]any{"trigger.region": "us"}, map[string]any{"check.ok": true}}},
			want: true,
		},
		{name: "expr", cond: Condition{"expr": `{{ gt .trigger.amount 100 }}`}, want: true},
		{name: "expr on step output", cond: Condition{"expr": `{{ eq .steps.check.ok true }}`}, want: true},
		{name: "expr false", cond: Condition{"expr": `{{ lt .trigger.amount 100 }}`}, want: false},
		{name: "expr non boolean", cond: Condition{"expr": `{{ .trigger.region }}`}, want: false},
		{name: "expr parse error", cond: Condition{"expr": `{{ gt `}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(tt.cond, cctx, logger))
		})
	}
}

func TestEvaluateCondition_NilLogger(t *testing.T) {
	assert.True(t, EvaluateCondition(Condition{"trigger.a": 1}, ConditionContext{
		TriggerData: map[string]any{"a": 1},
	}, nil))
}

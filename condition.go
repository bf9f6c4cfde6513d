package loom

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"
)

// Condition is a `when` clause attached to a step position. Supported keys:
//
//	"<step>.<path>": value or query   dotted shorthand
//	"ref": {"step", "path"}, "query"  explicit reference
//	"and" / "or": [conditions]        combinators
//	"not": condition
//	"expr": "{{ ... }}"              Go template yielding true or false
//
// Every clause present is evaluated and the results are ANDed.
type Condition map[string]any

type ConditionRef struct {
	Step string `json:"step"`
	Path string `json:"path"`
}

// Ref builds the explicit reference form.
func Ref(step, path string, query any) Condition {
	return Condition{"ref": ConditionRef{Step: step, Path: path}, "query": query}
}

func And(conds ...Condition) Condition { return Condition{"and": conds} }

func Or(conds ...Condition) Condition { return Condition{"or": conds} }

func Not(cond Condition) Condition { return Condition{"not": cond} }

type ConditionContext struct {
	TriggerData any
	Steps       map[string]StepStatus
}

const triggerSource = "trigger"

var reservedConditionKeys = map[string]struct{}{
	"ref": {}, "query": {}, "and": {}, "or": {}, "not": {}, "expr": {},
}

// EvaluateCondition decides whether a step may run.
func EvaluateCondition(cond Condition, cctx ConditionContext, logger *zap.Logger) bool {
	logger = orNop(logger)

	andResult, orResult, notResult := true, true, true
	refResult, baseResult, exprResult := true, true, true

	if rawRef, ok := cond["ref"]; ok {
		ref, ok := toConditionRef(rawRef)
		if !ok {
			logger.Warn("malformed condition ref", zap.Any("ref", rawRef))
			refResult = false
		} else {
			refResult = evaluateLeaf(ref.Step, ref.Path, cond["query"], cctx, logger)
		}
	}

	if raw, ok := cond["and"]; ok {
		subs, ok := toConditions(raw)
		andResult = ok
		for _, sub := range subs {
			if !EvaluateCondition(sub, cctx, logger) {
				andResult = false

				break
			}
		}
	}

	if raw, ok := cond["or"]; ok {
		subs, ok := toConditions(raw)
		orResult = false
		if ok {
			for _, sub := range subs {
				if EvaluateCondition(sub, cctx, logger) {
					orResult = true

					break
				}
			}
		}
	}

	if raw, ok := cond["not"]; ok {
		sub, ok := toCondition(raw)
		notResult = ok && !EvaluateCondition(sub, cctx, logger)
	}

	if raw, ok := cond["expr"]; ok {
		expr, _ := raw.(string)
		result, err := evaluateExpr(expr, cctx)
		if err != nil {
			logger.Warn("condition expression failed", zap.String("expr", expr), zap.Error(err))
		}
		exprResult = err == nil && result
	}

	for key, query := range cond {
		if _, reserved := reservedConditionKeys[key]; reserved {
			continue
		}
		stepID, path, _ := strings.Cut(key, ".")
		if !evaluateLeaf(stepID, path, query, cctx, logger) {
			baseResult = false

			break
		}
	}

	return refResult && baseResult && andResult && orResult && notResult && exprResult
}

func evaluateLeaf(stepID, path string, query any, cctx ConditionContext, logger *zap.Logger) bool {
	value, ok := resolveConditionValue(stepID, path, cctx)
	if !ok {
		logger.Debug("condition references a step without a successful result",
			zap.String(KeyStepID, stepID), zap.String("path", path))

		return false
	}

	return MatchQuery(value, query)
}

// resolveConditionValue reads the value a leaf compares against. Step paths
// read the successful output only; an empty "status" reads as "success".
func resolveConditionValue(stepID, path string, cctx ConditionContext) (any, bool) {
	if stepID == triggerSource {
		value, _ := ResolvePath(cctx.TriggerData, path)

		return value, true
	}

	state, ok := cctx.Steps[stepID]
	if !ok || state.Status != StepStatusSuccess {
		return nil, false
	}
	value, _ := ResolvePath(state.Output, path)
	if path == "status" && (value == nil || value == "") {
		return string(StepStatusSuccess), true
	}

	return value, true
}

func evaluateExpr(expr string, cctx ConditionContext) (bool, error) {
	tpl, err := template.New("condition").Funcs(template.FuncMap{
		"eq": func(a, b any) bool { return looseEqual(normalize(a), normalize(b)) },
		"ne": func(a, b any) bool { return !looseEqual(normalize(a), normalize(b)) },
		"gt": func(a, b any) bool { return compareOp("$gt", normalize(a), normalize(b)) },
		"lt": func(a, b any) bool { return compareOp("$lt", normalize(a), normalize(b)) },
		"ge": func(a, b any) bool { return compareOp("$gte", normalize(a), normalize(b)) },
		"le": func(a, b any) bool { return compareOp("$lte", normalize(a), normalize(b)) },
	}).Option("missingkey=zero").Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parse condition: %w", err)
	}

	outputs := make(map[string]any, len(cctx.Steps))
	for id, state := range cctx.Steps {
		if state.Status == StepStatusSuccess {
			outputs[id] = normalize(state.Output)
		}
	}
	data := map[string]any{
		"trigger": normalize(cctx.TriggerData),
		"steps":   outputs,
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return false, fmt.Errorf("execute condition: %w", err)
	}

	switch result := strings.TrimSpace(buf.String()); result {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid condition output: %q", result)
	}
}

func toConditionRef(v any) (ConditionRef, bool) {
	switch ref := v.(type) {
	case ConditionRef:
		return ref, true
	case *ConditionRef:
		if ref == nil {
			return ConditionRef{}, false
		}

		return *ref, true
	case map[string]any:
		step, _ := ref["step"].(string)
		path, _ := ref["path"].(string)

		return ConditionRef{Step: step, Path: path}, step != ""
	default:
		return ConditionRef{}, false
	}
}

func toCondition(v any) (Condition, bool) {
	switch c := v.(type) {
	case Condition:
		return c, true
	case map[string]any:
		return c, true
	default:
		return nil, false
	}
}

func toConditions(v any) ([]Condition, bool) {
	switch list := v.(type) {
	case []Condition:
		return list, true
	case []map[string]any:
		out := make([]Condition, len(list))
		for i, c := range list {
			out[i] = c
		}

		return out, true
	case []any:
		out := make([]Condition, 0, len(list))
		for _, item := range list {
			c, ok := toCondition(item)
			if !ok {
				return nil, false
			}
			out = append(out, c)
		}

		return out, true
	default:
		return nil, false
	}
}

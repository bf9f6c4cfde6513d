package loom

// StepContext is the read-only view a handler gets of its run. Steps is a
// snapshot taken when the attempt was scheduled.
type StepContext struct {
	Steps       map[string]StepStatus
	TriggerData any
	InputData   map[string]any
}

// GetStepResult returns the output of a successful step, the trigger data for
// "trigger", and nil otherwise.
func (c *StepContext) GetStepResult(stepID string) any {
	if stepID == triggerSource {
		return c.TriggerData
	}
	state, ok := c.Steps[stepID]
	if !ok || state.Status != StepStatusSuccess {
		return nil
	}

	return state.Output
}

// StepStatus returns the recorded status of a step, if any.
func (c *StepContext) StepStatus(stepID string) (StepStatus, bool) {
	state, ok := c.Steps[stepID]

	return state, ok
}

func (c *StepContext) GetInput(key string) (any, bool) {
	v, ok := c.InputData[key]

	return v, ok
}

func (c *StepContext) GetInputAsString(key string) (string, bool) {
	v, ok := c.InputData[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)

	return s, ok
}

package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rom8726/loom"
)

var _ loom.Plugin = (*AuditPlugin)(nil)

type AuditLogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	RunID     string          `json:"run_id"`
	FnName    string          `json:"fn_name"`
	StepID    string          `json:"step_id,omitempty"`
	Target    string          `json:"target,omitempty"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type Writer interface {
	Write(ctx context.Context, entry *AuditLogEntry) error
}

// AuditPlugin records every run and step transition through a Writer.
type AuditPlugin struct {
	loom.BasePlugin

	writer Writer
}

func New(writer Writer) *AuditPlugin {
	return &AuditPlugin{
		BasePlugin: loom.NewBasePlugin("audit", loom.PriorityNormal),
		writer:     writer,
	}
}

func (p *AuditPlugin) OnRunStart(ctx context.Context, run *loom.Run) error {
	return p.logEvent(ctx, &AuditLogEntry{
		Timestamp: time.Now(),
		EventType: "run_start",
		RunID:     run.ID,
		FnName:    run.FnName,
		Status:    string(run.Status),
	})
}

func (p *AuditPlugin) OnRunFinish(ctx context.Context, run *loom.Run) error {
	return p.logEvent(ctx, &AuditLogEntry{
		Timestamp: time.Now(),
		EventType: "run_finish",
		RunID:     run.ID,
		FnName:    run.FnName,
		Status:    string(run.Status),
	})
}

func (p *AuditPlugin) OnStepStart(ctx context.Context, run *loom.Run, target loom.Target, workID loom.WorkID) error {
	metadata, _ := json.Marshal(map[string]string{"work_id": string(workID)})

	return p.logEvent(ctx, &AuditLogEntry{
		Timestamp: time.Now(),
		EventType: "step_start",
		RunID:     run.ID,
		FnName:    run.FnName,
		StepID:    target.ID,
		Target:    target.Key(),
		Status:    string(loom.StepStatusWaiting),
		Metadata:  metadata,
	})
}

func (p *AuditPlugin) OnStepComplete(
	ctx context.Context,
	run *loom.Run,
	target loom.Target,
	state *loom.StepState,
) error {
	eventType := "step_complete"
	if state.State.Status == loom.StepStatusFailed {
		eventType = "step_failed"
	}

	return p.logEvent(ctx, &AuditLogEntry{
		Timestamp: time.Now(),
		EventType: eventType,
		RunID:     run.ID,
		FnName:    run.FnName,
		StepID:    state.StepID,
		Target:    target.Key(),
		Status:    string(state.State.Status),
		Error:     state.State.Error,
		Metadata:  stepMetadata(state.State),
	})
}

func (p *AuditPlugin) OnStepResume(ctx context.Context, run *loom.Run, state *loom.StepState) error {
	return p.logEvent(ctx, &AuditLogEntry{
		Timestamp: time.Now(),
		EventType: "step_resume",
		RunID:     run.ID,
		FnName:    run.FnName,
		StepID:    state.StepID,
		Status:    string(state.State.Status),
		Error:     state.State.Error,
		Metadata:  stepMetadata(state.State),
	})
}

func (p *AuditPlugin) logEvent(ctx context.Context, entry *AuditLogEntry) error {
	return p.writer.Write(ctx, entry)
}

func stepMetadata(status loom.StepStatus) json.RawMessage {
	var payload any
	switch status.Status {
	case loom.StepStatusSuccess:
		payload = status.Output
	case loom.StepStatusSuspended:
		payload = status.SuspendPayload
	}
	if payload == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}

	return data
}

var _ Writer = (*ZapWriter)(nil)

// ZapWriter emits audit entries as structured log lines.
type ZapWriter struct {
	logger *zap.Logger
}

func NewZapWriter(logger *zap.Logger) *ZapWriter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ZapWriter{logger: logger.With(zap.String("component", "audit"))}
}

func (w *ZapWriter) Write(_ context.Context, entry *AuditLogEntry) error {
	fields := []zap.Field{
		zap.Time("timestamp", entry.Timestamp),
		zap.String(loom.KeyRunID, entry.RunID),
		zap.String("fn_name", entry.FnName),
		zap.String("status", entry.Status),
	}
	if entry.StepID != "" {
		fields = append(fields, zap.String(loom.KeyStepID, entry.StepID))
	}
	if entry.Target != "" {
		fields = append(fields, zap.String("target", entry.Target))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	if len(entry.Metadata) > 0 {
		fields = append(fields, zap.ByteString("metadata", entry.Metadata))
	}

	w.logger.Info(entry.EventType, fields...)

	return nil
}

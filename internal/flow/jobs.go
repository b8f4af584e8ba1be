package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OrderPipe/internal/store"
)

// Job kinds for the asynchronous continuations of an inbound message.
const (
	JobKindOrchestrateMessage = "orchestrate_message"
	JobKindIntakeAudio        = "intake_audio"
)

// OrchestratePayload is the JSON payload of orchestrate_message jobs.
type OrchestratePayload struct {
	MessageID string `json:"message_id"`
}

// JobDispatcher hands work to the durable job runner. Every job is attempted
// once; a failure stays on the job row as the failure log.
type JobDispatcher struct {
	jobs   store.JobRepo
	runner *store.JobRunner
}

func NewJobDispatcher(jobs store.JobRepo, runner *store.JobRunner) *JobDispatcher {
	return &JobDispatcher{jobs: jobs, runner: runner}
}

// DispatchOrchestration queues an orchestrator turn for a stored message.
func (d *JobDispatcher) DispatchOrchestration(ctx context.Context, messageID string) (string, error) {
	return d.enqueue(ctx, JobKindOrchestrateMessage, OrchestratePayload{MessageID: messageID}, "orchestrate:"+messageID)
}

// DispatchAudio queues an audio intake. sourceID, when set, keeps a redelivered
// webhook from queueing the same audio twice.
func (d *JobDispatcher) DispatchAudio(ctx context.Context, req AudioRequest, sourceID string) (string, error) {
	dedupe := ""
	if sourceID != "" {
		dedupe = "audio:" + sourceID
	}
	return d.enqueue(ctx, JobKindIntakeAudio, req, dedupe)
}

func (d *JobDispatcher) enqueue(ctx context.Context, kind string, payload any, dedupeKey string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	id, err := d.jobs.EnqueueJob(ctx, store.JobSpec{
		Kind:        kind,
		PayloadJSON: string(data),
		DedupeKey:   dedupeKey,
		MaxAttempts: 1,
	})
	if err != nil {
		return "", err
	}
	if d.runner != nil {
		d.runner.Notify()
	}
	slog.Debug("JobDispatcher.enqueue", "kind", kind, "job_id", id)
	return id, nil
}

// Register installs the handlers for every job kind the dispatcher queues.
func (d *JobDispatcher) Register(runner *store.JobRunner, orchestrator *Orchestrator, audio *AudioIntake) {
	runner.RegisterHandler(JobKindOrchestrateMessage, makeOrchestrateHandler(orchestrator))
	runner.RegisterHandler(JobKindIntakeAudio, makeIntakeAudioHandler(audio))
}

func makeOrchestrateHandler(o *Orchestrator) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p OrchestratePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", JobKindOrchestrateMessage, err)
		}
		res, err := o.HandleMessage(ctx, p.MessageID)
		if err != nil {
			return err
		}
		slog.Info("JobHandler.orchestrate_message: done", "message_id", p.MessageID, "route", res.Route)
		return nil
	}
}

func makeIntakeAudioHandler(a *AudioIntake) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var req AudioRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return fmt.Errorf("invalid %s payload: %w", JobKindIntakeAudio, err)
		}
		res, err := a.Process(ctx, req)
		if err != nil {
			return err
		}
		slog.Info("JobHandler.intake_audio: done", "customer_id", req.CustomerID, "message_id", res.MessageID,
			"orchestrated", res.Orchestrated)
		return nil
	}
}

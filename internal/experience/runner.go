// Package experience executes scheduled experience runs on the LLM_WORKFLOW
// queue. An experience is an ordered list of LLM steps; each step's prompt
// may reference the run's input params and earlier step outputs.
package experience

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shu-ai/shu-core/internal/llm"
	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
	"github.com/shu-ai/shu-core/internal/storage"
	"github.com/shu-ai/shu-core/internal/worker"
)

// step is one entry of an experience's steps array.
type step struct {
	Key    string `json:"key"`
	Type   string `json:"type"` // only llm_call for now
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// Runner handles experience_execution jobs.
type Runner struct {
	db      *sql.DB
	llm     llm.Client
	backend queue.Backend
	logger  *observability.Logger
	now     func() time.Time
}

// NewRunner creates an experience runner.
func NewRunner(db *sql.DB, client llm.Client, backend queue.Backend, logger *observability.Logger) *Runner {
	return &Runner{
		db:      db,
		llm:     client,
		backend: backend,
		logger:  logger.WithOperation("experience_run"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle claims the run named by the job, executes its steps in order, and
// records the outcome on the run row. Provider rate limits put the run back
// to queued and requeue the job; any other step failure is final and is
// recorded on the row, so the job is acknowledged.
func (r *Runner) Handle(ctx context.Context, job *queue.Job) error {
	runID := queue.PayloadString(job.Payload, "run_id")
	if runID == "" {
		r.logger.Error().Str("job_id", job.ID).Msg("Experience job without run_id, discarding")
		return nil
	}
	logger := r.logger.With().Str("run_id", runID).Logger()

	var run *storage.ExperienceRun
	claimed := false
	err := storage.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		runs := storage.NewExperienceRunRepository(tx)
		var err error
		run, err = runs.GetByIDForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != storage.RunStatusQueued {
			return nil
		}
		if err := runs.MarkRunning(ctx, runID); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Msg("Experience run vanished, discarding job")
			return nil
		}
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !claimed {
		logger.Info().Str("status", string(run.Status)).Msg("Run not queued, duplicate delivery acknowledged")
		return nil
	}

	runs := storage.NewExperienceRunRepository(r.db)
	stop := worker.StartHeartbeat(ctx, r.backend, job, logger, func(hbCtx context.Context) error {
		return runs.Touch(hbCtx, runID)
	})
	defer stop()

	exp, err := storage.NewExperienceRepository(r.db).GetByID(ctx, run.ExperienceID)
	if err != nil {
		msg := fmt.Sprintf("load experience: %v", err)
		r.finish(ctx, runs, run, storage.RunStatusFailed, nil, nil, &msg)
		return nil
	}

	states, outputs, runErr := r.executeSteps(ctx, logger, exp, run)
	if runErr != nil {
		if llm.IsRateLimited(runErr) {
			if rqErr := runs.Requeue(ctx, runID); rqErr != nil {
				logger.Error().Err(rqErr).Msg("Failed to requeue rate-limited run")
			}
			return runErr
		}
		msg := runErr.Error()
		r.finish(ctx, runs, run, storage.RunStatusFailed, states, outputs, &msg)
		return nil
	}

	r.finish(ctx, runs, run, storage.RunStatusSucceeded, states, outputs, nil)
	logger.Info().Int("steps", len(outputs)).Msg("Experience run completed")
	return nil
}

// executeSteps runs the experience's steps in order. Outputs of earlier steps
// feed later prompts; the first failure stops the run.
func (r *Runner) executeSteps(ctx context.Context, logger *observability.Logger, exp *storage.Experience, run *storage.ExperienceRun) (map[string]string, map[string]string, error) {
	var steps []step
	if len(exp.Steps) > 0 {
		if err := json.Unmarshal(exp.Steps, &steps); err != nil {
			return nil, nil, fmt.Errorf("parse experience steps: %w", err)
		}
	}

	inputs := map[string]any{}
	if len(run.InputParams) > 0 {
		_ = json.Unmarshal(run.InputParams, &inputs)
	}

	states := make(map[string]string, len(steps))
	outputs := make(map[string]string, len(steps))
	for i, st := range steps {
		key := st.Key
		if key == "" {
			key = fmt.Sprintf("step_%d", i)
		}
		if st.Type != "" && st.Type != "llm_call" {
			states[key] = "skipped"
			logger.Warn().Str("step", key).Str("type", st.Type).Msg("Unsupported step type skipped")
			continue
		}

		resp, err := r.llm.Complete(ctx, llm.Request{
			System: st.System,
			Prompt: renderPrompt(st.Prompt, inputs, outputs),
			Model:  st.Model,
		})
		if err != nil {
			states[key] = "failed"
			return states, outputs, fmt.Errorf("step %s: %w", key, err)
		}
		states[key] = "succeeded"
		outputs[key] = resp.Content
	}
	return states, outputs, nil
}

func (r *Runner) finish(ctx context.Context, runs *storage.ExperienceRunRepository, run *storage.ExperienceRun, status storage.RunStatus, states, outputs map[string]string, errMsg *string) {
	if states == nil {
		states = map[string]string{}
	}
	if outputs == nil {
		outputs = map[string]string{}
	}
	run.Status = status
	run.StepStates = mustJSON(states)
	run.StepOutputs = mustJSON(outputs)
	run.ResultMetadata = mustJSON(map[string]any{"steps_completed": len(outputs)})
	run.ErrorMessage = errMsg
	if err := runs.Finish(ctx, run); err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to finalize experience run")
	}
}

// renderPrompt substitutes {{input.key}} and {{steps.key}} placeholders.
func renderPrompt(prompt string, inputs map[string]any, outputs map[string]string) string {
	for k, v := range inputs {
		prompt = strings.ReplaceAll(prompt, "{{input."+k+"}}", fmt.Sprint(v))
	}
	for k, v := range outputs {
		prompt = strings.ReplaceAll(prompt, "{{steps."+k+"}}", v)
	}
	return prompt
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

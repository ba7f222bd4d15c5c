package pluginhost

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shu-ai/shu-core/internal/llm"
	"github.com/shu-ai/shu-core/internal/observability"
	"github.com/shu-ai/shu-core/internal/queue"
	"github.com/shu-ai/shu-core/internal/storage"
	"github.com/shu-ai/shu-core/internal/worker"
)

// Plugin is a runnable plugin entrypoint.
type Plugin interface {
	Name() string
	Execute(ctx context.Context, host *Host, pctx Context, params map[string]any) error
}

// Registry tracks installed plugins and their enabled state.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	enabled map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin), enabled: make(map[string]bool)}
}

// Register installs a plugin, enabled.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
	r.enabled[p.Name()] = true
}

// SetEnabled toggles a registered plugin.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		r.enabled[name] = enabled
	}
}

// Lookup returns a plugin if it is registered and enabled.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok || !r.enabled[name] {
		return nil, false
	}
	return p, true
}

// IsAvailable reports whether a plugin is registered and enabled.
func (r *Registry) IsAvailable(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// DefaultRetryBackoff defers a rate-limited execution when the provider did
// not say how long to wait.
const DefaultRetryBackoff = 5 * time.Minute

// ExecutionHandler consumes plugin feed execution jobs.
type ExecutionHandler struct {
	db       *sql.DB
	host     *Host
	registry *Registry
	backend  queue.Backend
	logger   *observability.Logger
	backoff  time.Duration
	now      func() time.Time
}

// NewExecutionHandler creates the INGESTION workload handler for feed runs.
func NewExecutionHandler(db *sql.DB, host *Host, registry *Registry, backend queue.Backend, logger *observability.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		db:       db,
		host:     host,
		registry: registry,
		backend:  backend,
		logger:   logger.WithOperation("plugin_execution"),
		backoff:  DefaultRetryBackoff,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle runs one plugin execution job. The execution row is claimed under a
// row lock so a redelivered job cannot double-run; once running, a heartbeat
// keeps both the row and the queue lease fresh.
func (h *ExecutionHandler) Handle(ctx context.Context, job *queue.Job) error {
	executionID := queue.PayloadString(job.Payload, "execution_id")
	if executionID == "" {
		h.logger.Error().Str("job_id", job.ID).Msg("Execution job missing execution_id, discarding")
		return nil
	}
	logger := h.logger.With().Str("execution_id", executionID).Logger()

	var exec *storage.PluginExecution
	claimed := false
	err := storage.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		repo := storage.NewPluginExecutionRepository(tx)
		var err error
		exec, err = repo.GetByIDForUpdate(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status != storage.ExecutionStatusPending {
			return nil
		}
		if exec.StartedAt != nil && exec.StartedAt.After(h.now()) {
			// Rescheduled with a deferred start that has not arrived yet.
			return nil
		}
		claimed = true
		return repo.MarkRunning(ctx, executionID, h.now())
	})
	if err != nil {
		return fmt.Errorf("claim execution %s: %w", executionID, err)
	}
	if !claimed {
		if exec.Status == storage.ExecutionStatusPending {
			// Deferred start after a rate-limit reschedule; requeue and try
			// again later.
			return fmt.Errorf("execution %s deferred until %s", executionID, exec.StartedAt)
		}
		logger.Warn().Str("status", string(exec.Status)).Msg("Execution not claimable, acknowledging duplicate delivery")
		return nil
	}

	executions := storage.NewPluginExecutionRepository(h.db)
	stop := worker.StartHeartbeat(ctx, h.backend, job, logger, func(hctx context.Context) error {
		return executions.Touch(hctx, executionID)
	})
	defer stop()

	runErr := h.run(ctx, exec)
	if runErr == nil {
		if err := executions.MarkCompleted(ctx, executionID, storage.ExecutionStatusCompleted, nil); err != nil {
			return fmt.Errorf("finalize execution %s: %w", executionID, err)
		}
		logger.Info().Str("plugin", exec.PluginName).Msg("Plugin execution completed")
		return nil
	}

	var rl *llm.RateLimitError
	if errors.As(runErr, &rl) {
		// Push the run into the future instead of burning an attempt.
		backoff := h.backoff
		if rl.RetryAfter > 0 {
			backoff = rl.RetryAfter
		}
		if err := executions.Reschedule(ctx, executionID, h.now().Add(backoff)); err != nil {
			logger.Error().Err(err).Msg("Failed to reschedule rate-limited execution")
		}
		return runErr
	}

	msg := runErr.Error()
	if err := executions.MarkCompleted(ctx, executionID, storage.ExecutionStatusFailed, &msg); err != nil {
		logger.Error().Err(err).Msg("Failed to finalize failed execution")
	}
	logger.Error().Err(runErr).Str("plugin", exec.PluginName).Msg("Plugin execution failed")
	// The failure is recorded on the execution row; retrying the job would
	// hit the pending-status guard anyway.
	return nil
}

// run builds the invocation context and dispatches to the plugin.
func (h *ExecutionHandler) run(ctx context.Context, exec *storage.PluginExecution) error {
	plugin, ok := h.registry.Lookup(exec.PluginName)
	if !ok {
		return fmt.Errorf("plugin %q is not registered or disabled", exec.PluginName)
	}

	params := map[string]any{}
	if len(exec.Params) > 0 {
		if err := json.Unmarshal(exec.Params, &params); err != nil {
			return fmt.Errorf("execution params: %w", err)
		}
	}

	var kbIDs []string
	if kbID, _ := params["knowledge_base_id"].(string); kbID != "" {
		kbIDs = append(kbIDs, kbID)
	}
	if list, _ := params["knowledge_base_ids"].([]any); len(list) > 0 {
		for _, v := range list {
			if id, ok := v.(string); ok {
				kbIDs = append(kbIDs, id)
			}
		}
	}
	ocrMode, _ := params["ocr_mode"].(string)

	pctx := NewContext(exec.PluginName, exec.UserID, exec.ScheduleID, kbIDs, ocrMode)
	return plugin.Execute(ctx, h.host, pctx, params)
}

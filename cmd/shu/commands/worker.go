package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shu-ai/shu-core/internal/embedding"
	"github.com/shu-ai/shu-core/internal/experience"
	"github.com/shu-ai/shu-core/internal/extract"
	"github.com/shu-ai/shu-core/internal/ingest"
	"github.com/shu-ai/shu-core/internal/kb"
	"github.com/shu-ai/shu-core/internal/llm"
	"github.com/shu-ai/shu-core/internal/pluginhost"
	"github.com/shu-ai/shu-core/internal/profiling"
	"github.com/shu-ai/shu-core/internal/queue"
	"github.com/shu-ai/shu-core/internal/search"
	"github.com/shu-ai/shu-core/internal/worker"
)

var (
	workerWorkloadTypes   []string
	workerConcurrency     int
	workerPollInterval    time.Duration
	workerShutdownTimeout time.Duration
)

var runWorkerCmd = &cobra.Command{
	Use:   "run-worker",
	Short: "Run the queue worker process",
	Long: `Consumes the workload queues: plugin feed executions, OCR extraction,
chunking and embedding, document profiling, and experience runs. Multiple
worker processes may run against the same Redis-backed queues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	runWorkerCmd.Flags().StringSliceVar(&workerWorkloadTypes, "workload-types", nil,
		"workload types to serve (default: ingestion, ingestion_ocr, ingestion_embed, profiling, llm_workflow)")
	runWorkerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0,
		"consumer goroutines (overrides config)")
	runWorkerCmd.Flags().DurationVar(&workerPollInterval, "poll-interval", 0,
		"idle queue poll interval (overrides config)")
	runWorkerCmd.Flags().DurationVar(&workerShutdownTimeout, "shutdown-timeout", 0,
		"grace period for in-flight jobs on shutdown (overrides config)")
	rootCmd.AddCommand(runWorkerCmd)
}

func runWorker() error {
	a, err := newApp("shu-worker")
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	workloads, err := parseWorkloads(workerWorkloadTypes)
	if err != nil {
		return err
	}

	embedder, err := embedding.NewClient(embedding.Config{
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}

	llmClient, err := llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.CallTimeout,
	})
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	var ocr extract.OCREngine
	if cfg.Extraction.OCRBaseURL != "" {
		engine, err := extract.NewHTTPOCREngine(extract.OCRConfig{
			BaseURL: cfg.Extraction.OCRBaseURL,
			APIKey:  cfg.Extraction.OCRAPIKey,
			Engine:  cfg.Extraction.Engine,
			Timeout: cfg.Extraction.PageTimeout,
		})
		if err != nil {
			return fmt.Errorf("init OCR engine: %w", err)
		}
		ocr = engine
	} else {
		a.logger.Warn().Msg("No OCR endpoint configured, binary formats will be rejected")
	}
	extractor := extract.NewTextExtractor(ocr, a.logger)

	var profiler ingest.DocumentProfiler
	if cfg.Profiling.Enabled {
		profiler = profiling.NewOrchestrator(a.db, llmClient, embedder, a.logger, profiling.Config{
			ChunkBatchSize:   cfg.Profiling.ChunkBatchSize,
			MaxInputTokens:   cfg.Profiling.MaxInputTokens,
			FullDocMaxTokens: cfg.Profiling.FullDocMaxTokens,
		})
	}

	pipeline := ingest.NewPipeline(a.db, a.backend, a.staging, extractor, embedder, profiler, a.logger, ingest.Config{
		TitleChunkEnabled: cfg.Ingestion.TitleChunkEnabled,
		ProfilingEnabled:  cfg.Profiling.Enabled,
		EmbedBatchSize:    cfg.Embedding.BatchSize,
		DefaultChunkSize:  cfg.Ingestion.ChunkSize,
		DefaultOverlap:    cfg.Ingestion.ChunkOverlap,
	})

	kbService := kb.NewService(a.db, a.staging, a.logger)
	searchService := search.NewService(a.db, embedder, a.logger, cfg.Embedding.Dimension).
		WithResultCache(search.NewResultCache(a.cache, a.logger, search.DefaultResultTTL))

	secrets := pluginhost.NewSecrets(a.cache, a.logger)
	host := pluginhost.NewHost(a.db, pipeline, kbService, searchService, secrets, nil, a.logger)
	if cfg.RateLimit.Enabled {
		host = host.WithRateLimiter(a.cache, a.logger, cfg.RateLimit.APICapacity, cfg.RateLimit.APIRefillPerSec)
	}
	executions := pluginhost.NewExecutionHandler(a.db, host, registry, a.backend, a.logger)
	runner := experience.NewRunner(a.db, llmClient, a.backend, a.logger)

	concurrency := cfg.Worker.Concurrency
	if workerConcurrency > 0 {
		concurrency = workerConcurrency
	}
	pollInterval := cfg.Worker.PollInterval
	if workerPollInterval > 0 {
		pollInterval = workerPollInterval
	}
	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if workerShutdownTimeout > 0 {
		shutdownTimeout = workerShutdownTimeout
	}

	runtime := worker.New(worker.Config{
		Workloads:       workloads,
		Concurrency:     concurrency,
		PollInterval:    pollInterval,
		ShutdownTimeout: shutdownTimeout,
		CapacityLimits:  capacityLimits(cfg.Worker.CapacityLimits),
	}, a.backend, a.logger)

	runtime.Register(queue.WorkloadIngestion, executions.Handle)
	runtime.Register(queue.WorkloadIngestionOCR, pipeline.HandleOCR)
	runtime.Register(queue.WorkloadIngestionEmbed, pipeline.HandleEmbed)
	runtime.Register(queue.WorkloadProfiling, pipeline.HandleProfile)
	runtime.Register(queue.WorkloadLLMWorkflow, runner.Handle)

	return runtime.RunWithSignals(context.Background())
}

// defaultWorkerWorkloads excludes MAINTENANCE, which has no handler yet.
var defaultWorkerWorkloads = []queue.Workload{
	queue.WorkloadIngestion,
	queue.WorkloadIngestionOCR,
	queue.WorkloadIngestionEmbed,
	queue.WorkloadProfiling,
	queue.WorkloadLLMWorkflow,
}

func parseWorkloads(names []string) ([]queue.Workload, error) {
	if len(names) == 0 {
		return defaultWorkerWorkloads, nil
	}
	workloads := make([]queue.Workload, 0, len(names))
	for _, name := range names {
		w := queue.Workload(strings.TrimSpace(strings.ToLower(name)))
		if !w.IsValid() {
			return nil, fmt.Errorf("unknown workload type %q", name)
		}
		workloads = append(workloads, w)
	}
	return workloads, nil
}

func capacityLimits(limits map[string]int) map[queue.Workload]int64 {
	out := make(map[queue.Workload]int64, len(limits))
	for name, limit := range limits {
		w := queue.Workload(name)
		if w.IsValid() && limit > 0 {
			out[w] = int64(limit)
		}
	}
	return out
}

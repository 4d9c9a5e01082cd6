// Command orchestratord is the MCP orchestrator's server process: it
// wires config, Redis-backed durable queue, priority router, worker
// pools, saga engine, sandbox manager, autoscaler, recovery supervisor,
// and the JSON-RPC transport together, then serves until signaled to
// shut down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskorch/orchestrator/internal/audit"
	"github.com/taskorch/orchestrator/internal/autoscaler"
	"github.com/taskorch/orchestrator/internal/config"
	"github.com/taskorch/orchestrator/internal/controlplane"
	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/orcherr"
	"github.com/taskorch/orchestrator/internal/priority"
	"github.com/taskorch/orchestrator/internal/providers"
	"github.com/taskorch/orchestrator/internal/queue"
	"github.com/taskorch/orchestrator/internal/recovery"
	"github.com/taskorch/orchestrator/internal/registry"
	"github.com/taskorch/orchestrator/internal/resilience"
	"github.com/taskorch/orchestrator/internal/resultstore"
	"github.com/taskorch/orchestrator/internal/saga"
	"github.com/taskorch/orchestrator/internal/sandbox"
	"github.com/taskorch/orchestrator/internal/store"
	"github.com/taskorch/orchestrator/internal/telemetry"
	"github.com/taskorch/orchestrator/internal/transport"
	"github.com/taskorch/orchestrator/internal/workerpool"
)

// capabilities lists the worker pools this process stands up. A
// production deployment would derive this from the method registry;
// fixed here since the registry is populated at runtime by clients
// registering their own methods.
var capabilities = []string{"reasoning", "codegen", "ml-inference", "sandbox-exec"}

func main() {
	logger := logging.New("orchestrator")

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error("config load failed", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	logger = logging.New(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tel *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.New(ctx, cfg.ServiceName, "1.0.0", cfg.Telemetry.Endpoint)
		if err != nil {
			logger.Warn("telemetry bootstrap failed, continuing without export", logging.Fields{"error": err.Error()})
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	cb := resilience.New(resilience.DefaultConfig("redis-queue"))
	q := queue.New(redisClient, queue.Config{
		MaxLen: cfg.Redis.MaxLen, RetryAttempts: cfg.Backoff.MaxAttempts,
		RetryDelay: cfg.Backoff.InitialDelay, CircuitBreaker: cb, Logger: logger,
	})

	if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o755); err != nil {
		logger.Error("failed to create bolt data directory", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	var meter metric.Meter
	if tel != nil {
		meter = tel.Meter()
	}
	buckets := append(append(saga.Buckets(), resultstore.Buckets()...), audit.Buckets()...)
	db, err := store.Open(cfg.BoltPath, meter, buckets...)
	if err != nil {
		logger.Error("failed to open store", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	sagaStore := saga.NewBoltStore(db)
	results := resultstore.New(db, cfg.Durations.ResultRetention)
	auditLog := audit.New(db)

	methodRegistry := registry.New()

	router := priority.New(q, cfg.Preemption.MaxPreempts, cfg.Preemption.GracePeriod, logger)
	router.SetRejectThreshold(cfg.Fairness.RejectThreshold)

	sagaRegistry := saga.NewRegistry()
	sagaEngine := saga.New(sagaStore, sagaRegistry, auditAdapter{auditLog}, logger)

	allowedImages := make(map[string]bool, len(cfg.Sandbox.AllowedImages))
	for _, img := range cfg.Sandbox.AllowedImages {
		allowedImages[img] = true
	}
	sandboxMgr := sandbox.New(sandbox.NewExecBackend(nil), auditLog, sandbox.Config{
		DefaultWallClock: cfg.Sandbox.DefaultWallClock,
		ShutdownGrace:    cfg.Sandbox.ShutdownGrace,
		OutputBytesCap:   cfg.Sandbox.OutputBytesCap,
		AllowedImages:    allowedImages,
		Logger:           logger,
	}, logger)

	providerRegistry := providers.NewRegistry()
	for _, capability := range capabilities {
		if capability == "sandbox-exec" {
			continue
		}
		endpoint := os.Getenv(fmt.Sprintf("ORCH_PROVIDER_%s_URL", strings.ToUpper(strings.ReplaceAll(capability, "-", "_"))))
		if endpoint == "" {
			continue
		}
		providerRegistry.Register(providers.NewHTTPProvider(capability, endpoint))
	}

	cp := controlplane.New(q, router, auditLog, nil, logger)

	pools := make(map[string]*workerpool.Pool, len(capabilities))
	streamsByPool := make(map[string][]string, len(capabilities))
	for _, capability := range capabilities {
		capability := capability
		pool := workerpool.New(q, results, router, workerpool.Config{
			Capability:         capability,
			Stream:             func(p model.PriorityClass) string { return queue.StreamName(capability, p) },
			WorkerCount:        cfg.Autoscale.Min,
			ClaimBlock:         cfg.Worker.ClaimBlock,
			HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
			DefaultTaskTimeout: 30 * time.Minute,
			ShutdownTimeout:    cfg.Worker.ShutdownTimeout,
			FairnessN:          cfg.Fairness.N,
			ShouldClaim:        func() bool { return !cp.Paused(capability) },
			Logger:             logger,
		}, logger)

		if capability == "sandbox-exec" {
			pool.RegisterHandler(func(ctx context.Context, task *model.Task, _ workerpool.ProgressReporter) (map[string]any, error) {
				job := sandboxJobFromParams(task)
				result, err := sandboxMgr.Launch(ctx, job)
				if err != nil {
					return nil, err
				}
				return map[string]any{"status": string(result.Status), "exit_code": result.ExitCode, "stdout": result.Stdout, "stderr": result.Stderr}, nil
			})
		} else if p, ok := providerRegistry.Lookup(capability); ok {
			pool.RegisterHandler(providers.Handler(p))
		}

		pools[capability] = pool

		var streams []string
		for _, class := range []model.PriorityClass{model.PriorityCritical, model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
			stream := queue.StreamName(capability, class)
			streams = append(streams, stream)
			if err := q.EnsureGroup(ctx, stream, capability); err != nil {
				logger.Error("ensure consumer group failed", logging.Fields{"stream": stream, "error": err.Error()})
			}
		}
		streamsByPool[capability] = streams
	}

	scaler := autoscaler.New(poolSignalSource{}, auditScaleAdapter{auditLog}, cfg.Autoscale.Interval, logger)
	for name, pool := range pools {
		scaler.Register(name, pool, autoscaler.Policy{
			Min: cfg.Autoscale.Min, Max: cfg.Autoscale.Max,
			UpThreshold: cfg.Autoscale.UpThreshold, DownThreshold: cfg.Autoscale.DownThreshold,
			K: cfg.Autoscale.K, KDown: cfg.Autoscale.KDown, Cooldown: cfg.Autoscale.Cooldown,
		})
	}

	recoverySupervisor := recovery.New(q, sagaStore, sagaEngine, auditLog, recovery.Config{
		ScanInterval: cfg.Recovery.ScanInterval,
		IdleReclaim:  time.Duration(cfg.Worker.IdleReclaimMs) * time.Millisecond,
		MaxAttempts:  int64(cfg.Recovery.MaxAttempts),
	}, queue.DLQName, logger)
	for capability, streams := range streamsByPool {
		for _, stream := range streams {
			recoverySupervisor.WatchStream(recovery.Watch{Stream: stream, Group: capability, Capability: capability})
		}
	}

	for name, pool := range pools {
		cp.RegisterPool(name, pool, streamsByPool[name])
	}

	dispatcher := newMethodDispatcher(methodRegistry, router, cp, results)

	srv := transport.NewServer(dispatcher, transport.DefaultConfig(), logger)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: srv}

	goroutines := []func(context.Context) error{
		func(ctx context.Context) error { return scaler.Start(ctx) },
		func(ctx context.Context) error { return recoverySupervisor.Start(ctx) },
	}
	for _, pool := range pools {
		p := pool
		goroutines = append(goroutines, func(ctx context.Context) error { return p.Start(ctx) })
	}

	errs := make(chan error, len(goroutines)+1)
	for _, fn := range goroutines {
		f := fn
		go func() { errs <- f(ctx) }()
	}
	go func() {
		logger.Info("listening", logging.Fields{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errs:
		if err != nil {
			logger.Error("component failed", logging.Fields{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	for _, pool := range pools {
		_ = pool.Stop(shutdownCtx)
	}
	_ = sandboxMgr
}

// auditAdapter satisfies saga.IncidentSink with the shared audit log.
type auditAdapter struct{ log *audit.Log }

func (a auditAdapter) RecordIncident(ctx context.Context, sagaID, reason string) error {
	_, err := a.log.Record(ctx, model.AuditEvent{
		Actor: "saga-engine", Subject: sagaID, Action: "saga_incident", Details: map[string]any{"reason": reason},
	})
	return err
}

// auditScaleAdapter satisfies autoscaler.AuditSink.
type auditScaleAdapter struct{ log *audit.Log }

func (a auditScaleAdapter) RecordScale(ctx context.Context, pool string, from, to int, reason string) {
	_, _ = a.log.Record(ctx, model.AuditEvent{
		Actor: "autoscaler", Subject: pool, Action: "control.scale",
		Details: map[string]any{"from": from, "to": to, "reason": reason},
	})
}

// poolSignalSource is a placeholder SLA signal source until a real metrics
// backend is wired; it reports idle signals so the autoscaler never drifts
// pools upward without live queue-depth/latency data.
type poolSignalSource struct{}

func (poolSignalSource) Sample(ctx context.Context, pool string) (autoscaler.Signals, error) {
	return autoscaler.Signals{}, nil
}

// sandboxJobFromParams builds a SandboxJob from a sandbox-exec task's
// params, applying conservative defaults for any field the caller omitted.
func sandboxJobFromParams(task *model.Task) *model.SandboxJob {
	job := &model.SandboxJob{TaskID: task.TaskID}

	if v, ok := task.Params["image_tag"].(string); ok {
		job.ImageTag = v
	}
	if v, ok := task.Params["entry_command"].([]interface{}); ok {
		for _, c := range v {
			if s, ok := c.(string); ok {
				job.EntryCommand = append(job.EntryCommand, s)
			}
		}
	}
	if v, ok := task.Params["env"].(map[string]interface{}); ok {
		job.Env = make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				job.Env[k] = s
			}
		}
	}
	if v, ok := task.Params["allowlist"].([]interface{}); ok {
		for _, a := range v {
			if s, ok := a.(string); ok {
				job.NetworkPolicy.Allowlist = append(job.NetworkPolicy.Allowlist, s)
			}
		}
	}
	return job
}

// idempotencyIndex is the subset of resultstore.Store that task.submit needs
// to map repeat submissions under the same idempotency_key onto one task_id.
type idempotencyIndex interface {
	ReserveIdempotencyKey(ctx context.Context, key, taskID string) (string, bool, error)
}

// newMethodDispatcher combines the control-plane method set with the
// catalog-driven task-submission method into a single transport.Dispatcher.
func newMethodDispatcher(reg *registry.Registry, router *priority.Router, cp *controlplane.ControlPlane, idempotency idempotencyIndex) transport.Dispatcher {
	methods := cp.MethodSet()
	methods["task.submit"] = func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var req struct {
			Method        string         `json:"method"`
			APIVersion    int            `json:"api_version"`
			Params        map[string]any `json:"params"`
			TenantID      string         `json:"tenant_id"`
			SubmitterID   string         `json:"submitter_id"`
			Priority      model.PriorityClass `json:"priority_class"`
			IdempotencyKey string        `json:"idempotency_key"`
			CorrelationID string         `json:"correlation_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, orcherr.Invalid("task.submit", "malformed params")
		}

		entry, ok := reg.Lookup(req.Method, req.APIVersion)
		if !ok {
			return nil, orcherr.NotFound("task.submit", fmt.Sprintf("unknown method %s@%d", req.Method, req.APIVersion))
		}
		sanitized, err := reg.Validate(req.Method, req.APIVersion, req.Params)
		if err != nil {
			return nil, orcherr.Invalid("task.submit", err.Error())
		}

		taskID := priority.NewTaskID()
		if idempotency != nil && req.IdempotencyKey != "" {
			existing, duplicate, err := idempotency.ReserveIdempotencyKey(ctx, req.IdempotencyKey, taskID)
			if err != nil {
				return nil, orcherr.Internal("task.submit", err)
			}
			if duplicate {
				return map[string]any{"task_id": existing, "status": "accepted"}, nil
			}
			taskID = existing
		}

		task := &model.Task{
			TaskID: taskID, Method: req.Method, Params: sanitized,
			PriorityClass: req.Priority, Capability: entry.Capability, SubmittedAt: timeNow(),
			TenantID: req.TenantID, SubmitterID: req.SubmitterID, CorrelationID: req.CorrelationID,
			IdempotencyKey: req.IdempotencyKey, Status: model.TaskAccepted,
		}
		if task.PriorityClass == "" {
			task.PriorityClass = entry.DefaultPriority
		}

		entryID, err := router.Route(ctx, task)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": task.TaskID, "entry_id": entryID, "status": "accepted"}, nil
	}
	return staticDispatcher(methods)
}

type staticDispatcher map[string]func(ctx context.Context, params json.RawMessage) (interface{}, error)

func (d staticDispatcher) Lookup(method string) (transport.MethodFunc, bool) {
	fn, ok := d[method]
	return transport.MethodFunc(fn), ok
}

func timeNow() time.Time { return time.Now() }

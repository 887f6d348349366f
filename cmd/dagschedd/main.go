// Command dagschedd is the scheduler's service entrypoint: it wires
// logging, tracing, metrics, the scheduler and its external collaborators,
// and an HTTP control surface, then waits for SIGINT/SIGTERM to drain the
// event loop and shut down (adapted from the teacher's
// services/orchestrator/main.go).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dagsched/internal/blockmanager"
	"github.com/swarmguard/dagsched/internal/config"
	"github.com/swarmguard/dagsched/internal/dataset"
	"github.com/swarmguard/dagsched/internal/jobhistory"
	"github.com/swarmguard/dagsched/internal/jsonjob"
	"github.com/swarmguard/dagsched/internal/listenerbus"
	"github.com/swarmguard/dagsched/internal/mapoutput"
	"github.com/swarmguard/dagsched/internal/maintenance"
	"github.com/swarmguard/dagsched/internal/obs/logging"
	"github.com/swarmguard/dagsched/internal/obs/otelinit"
	"github.com/swarmguard/dagsched/internal/obs/resilience"
	"github.com/swarmguard/dagsched/internal/policy"
	"github.com/swarmguard/dagsched/internal/scheduler"
	"github.com/swarmguard/dagsched/internal/taskrunner"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logging.Init(cfg.ServiceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.ServiceName)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, cfg.ServiceName)
	meter := otel.GetMeterProvider().Meter(cfg.ServiceName)
	tracer := otel.Tracer(cfg.ServiceName)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	mot := mapoutput.New(rdb, log)

	bmStore, err := blockmanager.Open(cfg.BlockStoreDir, cfg.BlockStoreShards, log)
	if err != nil {
		log.Error("open block manager store", slog.Any("error", err))
		return
	}
	defer bmStore.Close()

	history, err := jobhistory.Open(cfg.JobHistoryPath)
	if err != nil {
		log.Error("open job history store", slog.Any("error", err))
		return
	}
	defer history.Close()

	var bus scheduler.ListenerBus = listenerbus.Noop{}
	if cfg.NATSURL != "" {
		if nc, err := nats.Connect(cfg.NATSURL); err != nil {
			log.Warn("nats connect failed, falling back to noop listener bus", slog.Any("error", err))
		} else {
			defer nc.Close()
			bus = listenerbus.New(nc, log)
		}
	}
	bus = jobhistory.NewRecorder(bus, history, log)

	admission := policy.New(meter, tracer)
	if cfg.PolicyDir != "" {
		if err := admission.LoadDir(ctx, cfg.PolicyDir); err != nil {
			log.Warn("policy load failed, defaulting to allow", slog.Any("error", err))
		}
	}

	limiter := resilience.NewHybridRateLimiter(cfg.TaskRunnerWorkers*4, float64(cfg.TaskRunnerWorkers), cfg.TaskRunnerWorkers*8, 10*time.Millisecond)

	var sched *scheduler.Scheduler
	pool := taskrunner.NewPool(cfg.TaskRunnerWorkers, simulateExec, reporterFunc(func(e scheduler.TaskCompletedEvent) {
		sched.ReportTaskCompletion(e)
	}), limiter, log)
	defer pool.Close()

	sched = scheduler.New(cfg.Scheduler, log, pool, mot, bmStore, bus)
	sched.Start(ctx)
	defer sched.Stop()

	maint := maintenance.New(log, sched, mot.CurrentEpoch, bmStore.StaleExecutors,
		func(execID string) error { _, err := bmStore.RemoveExecutor(ctx, execID); return err },
		history, cfg.MaintenanceStaleAfter, cfg.MaintenanceHistoryRetention)
	if _, _, err := maint.Start(); err != nil {
		log.Warn("maintenance cron failed to start", slog.Any("error", err))
	}
	defer maint.Stop()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: newMux(sched, history, admission, log)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", slog.Any("error", err))
			cancel()
		}
	}()
	log.Info("dagschedd started", slog.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	log.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

type reporterFunc func(scheduler.TaskCompletedEvent)

func (f reporterFunc) ReportTaskCompletion(e scheduler.TaskCompletedEvent) { f(e) }

// simulateExec stands in for a real remote executor (worker-side task
// execution is out of scope, spec.md §1): it sleeps briefly and reports a
// synthetic MapStatus/result so the scheduler's own state machine can be
// exercised end-to-end without a real data-plane.
func simulateExec(ctx context.Context, t scheduler.Task) (interface{}, scheduler.MapStatus, error) {
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return nil, scheduler.MapStatus{}, ctx.Err()
	}
	status := scheduler.MapStatus{
		Location: dataset.TaskLocation{Host: "localhost", ExecutorID: "sim-0"},
		SizeHint: 1024,
	}
	return t.Partition, status, nil
}

func newMux(sched *scheduler.Scheduler, history *jobhistory.Store, admission *policy.Admission, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	var nextDatasetID int64

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"policy_ready": admission.Ready(),
		})
	})

	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Job        jsonjob.Spec      `json:"job"`
			Properties map[string]string `json:"properties"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}

		allowed, err := admission.Allow(r.Context(), map[string]interface{}{"properties": req.Properties})
		if err != nil {
			log.Warn("policy evaluation failed", slog.Any("error", err))
		} else if !allowed {
			http.Error(w, "submission denied by policy", http.StatusForbidden)
			return
		}

		baseID := int(atomic.AddInt64(&nextDatasetID, int64(len(req.Job.Nodes)))) - len(req.Job.Nodes)
		root, err := jsonjob.Build(req.Job, baseID)
		if err != nil {
			http.Error(w, "bad job graph: "+err.Error(), http.StatusBadRequest)
			return
		}

		jobID, _, err := sched.SubmitJob(r.Context(), root, req.Job.Partitions, nil, req.Properties)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"job_id": jobID})
	})

	mux.HandleFunc("/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
		parts := strings.Split(rest, "/")
		jobID, err := strconv.Atoi(parts[0])
		if err != nil {
			http.Error(w, "bad job id", http.StatusBadRequest)
			return
		}

		if len(parts) == 2 && parts[1] == "history" {
			rec, found, err := history.Get(scheduler.JobID(jobID))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !found {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(rec)
			return
		}

		switch r.Method {
		case http.MethodDelete:
			reason := r.URL.Query().Get("reason")
			if reason == "" {
				reason = "cancelled via api"
			}
			if err := sched.CancelJob(r.Context(), scheduler.JobID(jobID), reason); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/stages/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/stages/")
		parts := strings.Split(rest, "/")
		if r.Method != http.MethodPost || len(parts) != 2 || parts[1] != "cancel" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stageID, err := strconv.Atoi(parts[0])
		if err != nil {
			http.Error(w, "bad stage id", http.StatusBadRequest)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "cancelled via api"
		}
		if err := sched.CancelStage(r.Context(), scheduler.StageID(stageID), body.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

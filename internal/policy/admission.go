// Package policy implements submission-time admission control
// (SPEC_FULL.md "Submission admission policy"): Admission compiles .rego
// modules and evaluates data.dagsched.allow against a job's properties
// before submit_job enqueues JobSubmitted. Absent any loaded policy,
// admission defaults to allow.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const decisionQuery = "data.dagsched.allow"

// Admission is a compiled rego decision for job submission.
type Admission struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	loaded   int

	compileLatency metric.Float64Histogram
	evalLatency    metric.Float64Histogram
	denials        metric.Int64Counter
	tracer         trace.Tracer
}

// New constructs an Admission with no policies loaded (defaults to allow
// until LoadDir succeeds).
func New(meter metric.Meter, tracer trace.Tracer) *Admission {
	compileLatency, _ := meter.Float64Histogram("dagsched_policy_compile_latency_ms")
	evalLatency, _ := meter.Float64Histogram("dagsched_policy_eval_latency_ms")
	denials, _ := meter.Int64Counter("dagsched_policy_denials_total")
	return &Admission{
		compileLatency: compileLatency,
		evalLatency:    evalLatency,
		denials:        denials,
		tracer:         tracer,
	}
}

// LoadDir compiles every *.rego file in dir into a single prepared query
// for decisionQuery, replacing any previously loaded policy atomically.
func (a *Admission) LoadDir(ctx context.Context, dir string) error {
	ctx, span := a.tracer.Start(ctx, "policy.load_dir")
	defer span.End()
	start := time.Now()

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return fmt.Errorf("glob policies: %w", err)
	}
	if len(files) == 0 {
		span.SetAttributes(attribute.Int("policy_count", 0))
		return fmt.Errorf("no policy files found in %s", dir)
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", f, err)
		}
		module, err := ast.ParseModule(f, string(content))
		if err != nil {
			return fmt.Errorf("parse policy %s: %w", f, err)
		}
		modules[f] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return fmt.Errorf("compile policies: %v", compiler.Errors)
	}

	prepared, err := rego.New(
		rego.Query(decisionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", decisionQuery, err)
	}

	a.mu.Lock()
	a.prepared = &prepared
	a.loaded = len(files)
	a.mu.Unlock()

	a.compileLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("policy_count", len(files))))
	span.SetAttributes(attribute.Int("policy_count", len(files)))
	return nil
}

// Allow evaluates decisionQuery against input (a job's properties plus
// whatever the caller chooses to include, e.g. partition count). With no
// policy loaded it allows unconditionally (SPEC_FULL.md "Absent any loaded
// policy, admission defaults to allow").
func (a *Admission) Allow(ctx context.Context, input map[string]interface{}) (bool, error) {
	a.mu.RLock()
	prepared := a.prepared
	a.mu.RUnlock()
	if prepared == nil {
		return true, nil
	}

	ctx, span := a.tracer.Start(ctx, "policy.allow")
	defer span.End()
	start := time.Now()

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	a.evalLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("eval %s: %w", decisionQuery, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("no decision from %s", decisionQuery)
	}

	decision, _ := results[0].Expressions[0].Value.(bool)
	span.SetAttributes(attribute.Bool("decision", decision))
	if !decision {
		a.denials.Add(ctx, 1)
	}
	return decision, nil
}

// Ready reports whether a policy bundle is currently loaded.
func (a *Admission) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.prepared != nil
}

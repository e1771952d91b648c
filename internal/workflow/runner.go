// Package workflow executes workflow definitions: sequential tasks, bounded
// loops, per-task caching, and exports.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/oxide/internal/agent"
	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/connector"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
	"github.com/haasonsaas/oxide/internal/retry"
	"github.com/haasonsaas/oxide/internal/semantic"
)

// Cache event prefixes surfaced to callers.
const (
	eventCacheHit         = "CacheHit"
	eventCacheWrite       = "CacheWrite"
	eventCacheWriteFailed = "CacheWriteFailed"
)

// DefaultLoopConcurrency bounds loop fan-out when unconfigured.
const DefaultLoopConcurrency = 1

// Runner executes workflows.
type Runner struct {
	Deps agent.Deps
}

// NewRunner creates a workflow runner over shared agent dependencies.
func NewRunner(deps agent.Deps) *Runner {
	return &Runner{Deps: deps}
}

// Run executes a workflow with call-scoped variables and returns the map of
// task outputs.
func (r *Runner) Run(ctx context.Context, ec *exec.ExecutionContext, wf *config.Workflow, variables map[string]any) (output.Container, error) {
	scope := make(map[string]any, len(wf.Variables)+len(variables))
	for k, v := range wf.Variables {
		scope[k] = v
	}
	for k, v := range variables {
		scope[k] = v
	}
	ec = ec.WithChildScope(scope)

	retryCfg := taskRetryConfig(wf.RetryStrategy)

	results := make(map[string]output.Container, len(wf.Tasks))
	for i := range wf.Tasks {
		task := &wf.Tasks[i]
		result, err := r.runTaskWithRetry(ctx, ec, task, retryCfg)
		if err != nil {
			return output.Container{}, fmt.Errorf("task %q: %w", task.Name, err)
		}
		results[task.Name] = result
		// Downstream templates reference prior task outputs by name.
		ec.Renderer.Set(task.Name, containerScopeValue(result))
	}
	return output.MapContainer(results), nil
}

func taskRetryConfig(strategy *config.RetryStrategy) retry.Config {
	if strategy == nil || strategy.MaxAttempts <= 1 {
		return retry.Config{MaxAttempts: 1}
	}
	initial := 500 * time.Millisecond
	if strategy.InitialDelay != "" {
		if parsed, err := time.ParseDuration(strategy.InitialDelay); err == nil {
			initial = parsed
		}
	}
	return retry.Exponential(strategy.MaxAttempts, initial, 30*time.Second)
}

// containerScopeValue converts a task output into a renderer-friendly value.
// Tables stay as handles so table-awareness survives into sub-invocation
// validation.
func containerScopeValue(c output.Container) any {
	if c.Single != nil && c.Single.Kind == output.KindTable && c.Single.Table != nil {
		return c.Single.Table
	}
	return c.String()
}

func (r *Runner) runTaskWithRetry(ctx context.Context, ec *exec.ExecutionContext, task *config.Task, cfg retry.Config) (output.Container, error) {
	var result output.Container
	res := retry.DoNotify(ctx, cfg, func() error {
		var err error
		result, err = r.runTask(ctx, ec, task)
		if err != nil && errs.KindOf(err) != errs.KindTransient && errs.KindOf(err) != errs.KindDB {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, delay time.Duration) {
		_ = ec.WriteMessage(ctx, fmt.Sprintf("retrying task %q after %s: %v", task.Name, delay.Round(time.Millisecond), err))
	})
	if res.Err != nil {
		var perm *retry.PermanentError
		if errors.As(res.Err, &perm) {
			return output.Container{}, perm.Err
		}
		return output.Container{}, res.Err
	}
	return result, nil
}

func (r *Runner) runTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	taskEC := ec.WithSource("task", task.Name)

	// Cache check precedes execution entirely.
	var cachePath string
	if task.Cache != nil {
		rendered, err := taskEC.Renderer.Render(task.Cache.Path)
		if err != nil {
			return output.Container{}, errs.Wrap(errs.KindValidation, err, "failed to render cache path")
		}
		cachePath = rendered
		if cached, ok := loadCache(cachePath); ok {
			if err := taskEC.WriteMessage(ctx, eventCacheHit+": "+cachePath); err != nil {
				return output.Container{}, err
			}
			return cached, nil
		}
	}

	result, err := r.dispatchTask(ctx, taskEC, task)
	if err != nil {
		return output.Container{}, err
	}

	if task.Export != nil {
		if err := r.exportTask(ctx, taskEC, task, result); err != nil {
			return output.Container{}, err
		}
	}

	if cachePath != "" {
		if err := writeCache(cachePath, result); err != nil {
			slog.Warn("cache write failed", "task", task.Name, "path", cachePath, "error", err)
			if err := taskEC.WriteMessage(ctx, eventCacheWriteFailed+": "+cachePath); err != nil {
				return output.Container{}, err
			}
		} else if err := taskEC.WriteMessage(ctx, eventCacheWrite+": "+cachePath); err != nil {
			return output.Container{}, err
		}
	}
	return result, nil
}

func (r *Runner) dispatchTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	switch task.Type {
	case config.TaskAgent:
		return r.runAgentTask(ctx, ec, task)
	case config.TaskExecuteSQL:
		return r.runExecuteSQLTask(ctx, ec, task)
	case config.TaskSemanticQuery:
		return r.runSemanticQueryTask(ctx, ec, task)
	case config.TaskOmniQuery:
		return r.runOmniQueryTask(ctx, ec, task)
	case config.TaskFormatter:
		return r.runFormatterTask(ctx, ec, task)
	case config.TaskLoopSequential:
		return r.runLoopTask(ctx, ec, task)
	case config.TaskSubWorkflow:
		return r.runSubWorkflowTask(ctx, ec, task)
	}
	return output.Container{}, errs.Validation("task %q has unknown type %q", task.Name, task.Type)
}

func (r *Runner) runAgentTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	spec := task.Agent
	prompt, err := ec.Renderer.Render(spec.Prompt)
	if err != nil {
		return output.Container{}, errs.Wrap(errs.KindValidation, err, "failed to render prompt")
	}
	def, err := r.Deps.Project.ResolveAgent(spec.AgentRef)
	if err != nil {
		return output.Container{}, err
	}
	executable, err := agent.Build(r.Deps, def)
	if err != nil {
		return output.Container{}, err
	}

	runs := spec.ConsistencyRun
	if runs <= 1 {
		resp, err := executable.Execute(ctx, ec, agent.OneShotInput{
			SystemInstructions: def.SystemInstructions,
			UserInput:          prompt,
		})
		if err != nil {
			return output.Container{}, err
		}
		return resp.Content, nil
	}

	// Consistency mode repeats the agent and keeps the modal answer.
	if spec.ExportPerIteration {
		slog.Warn("export_per_iteration is deprecated; exports aggregate across consistency runs",
			"task", task.Name)
	}
	answers := make([]output.Container, 0, runs)
	for i := 0; i < runs; i++ {
		resp, err := executable.Execute(ctx, ec, agent.OneShotInput{
			SystemInstructions: def.SystemInstructions,
			UserInput:          prompt,
		})
		if err != nil {
			return output.Container{}, err
		}
		answers = append(answers, resp.Content)
	}
	best, score := evaluateConsistency(answers)
	if err := ec.WriteMessage(ctx, fmt.Sprintf("consistency: %.0f%% agreement over %d runs", score*100, runs)); err != nil {
		return output.Container{}, err
	}
	return best, nil
}

// evaluateConsistency picks the most frequent answer (normalized by trimmed
// text) and reports its share.
func evaluateConsistency(answers []output.Container) (output.Container, float64) {
	counts := make(map[string]int)
	byKey := make(map[string]output.Container)
	for _, answer := range answers {
		key := strings.TrimSpace(answer.String())
		counts[key]++
		if _, ok := byKey[key]; !ok {
			byKey[key] = answer
		}
	}
	bestKey, best := "", -1
	for key, count := range counts {
		if count > best {
			best = count
			bestKey = key
		}
	}
	return byKey[bestKey], float64(best) / float64(len(answers))
}

func (r *Runner) runExecuteSQLTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	spec := task.ExecuteSQL

	taskEC := ec
	if len(spec.Variables) > 0 {
		vars := make(map[string]any, len(spec.Variables))
		for name, tmpl := range spec.Variables {
			rendered, err := ec.Renderer.Render(tmpl)
			if err != nil {
				return output.Container{}, errs.Wrap(errs.KindValidation, err, "failed to render variable "+name)
			}
			vars[name] = rendered
		}
		taskEC = ec.WithChildScope(vars)
	}

	sql := spec.SQL.Query
	if spec.SQL.File != "" {
		data, err := os.ReadFile(r.Deps.Project.ResolveFile(spec.SQL.File))
		if err != nil {
			return output.Container{}, errs.Wrap(errs.KindConfiguration, err, "failed to read SQL file")
		}
		sql = string(data)
	}

	tool := &agent.ExecuteSQLTool{
		ToolName: task.Name,
		Project:  r.Deps.Project,
		Database: spec.Database,
		SQL:      sql,
	}
	result, err := tool.Execute(ctx, taskEC, nil)
	if err != nil {
		return output.Container{}, err
	}
	return output.Single(result), nil
}

func (r *Runner) runSemanticQueryTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	spec := task.SemanticQuery
	query := semantic.Query{
		Topic:      spec.Topic,
		Dimensions: spec.Dimensions,
		Measures:   spec.Measures,
		Limit:      spec.Limit,
		Offset:     spec.Offset,
		Variables:  spec.Variables,
	}
	var filters connector.SessionFilters
	if len(spec.Variables) > 0 {
		filters = connector.SessionFilters(spec.Variables)
	}
	for _, f := range spec.Filters {
		query.Filters = append(query.Filters, semantic.Filter{Field: f.Field, Operator: f.Operator, Value: f.Value})
	}
	for _, o := range spec.Orders {
		query.Orders = append(query.Orders, semantic.Order{Field: o.Field, Direction: o.Direction})
	}

	executor := &semantic.Executor{Project: r.Deps.Project, Filters: filters}
	table, err := executor.Execute(ctx, query)
	if err != nil {
		return output.Container{}, err
	}
	if ref := table.IntoReference(); ref != nil {
		if err := ec.WriteReference(ctx, *ref); err != nil {
			return output.Container{}, err
		}
	}
	return output.Single(output.TableOutput(table)), nil
}

func (r *Runner) runOmniQueryTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	spec := task.OmniQuery
	filters := make(map[string]any, len(spec.Filters))
	for _, f := range spec.Filters {
		filters[f.Field] = f.Value
	}
	tool := &agent.OmniQueryTool{
		ToolName:    task.Name,
		Project:     r.Deps.Project,
		Integration: spec.Integration,
		Topic:       spec.Topic,
	}
	args, err := json.Marshal(map[string]any{
		"fields":  spec.Fields,
		"filters": filters,
		"limit":   spec.Limit,
	})
	if err != nil {
		return output.Container{}, errs.Runtime("failed to encode omni arguments: %v", err)
	}
	result, err := tool.Execute(ctx, ec, args)
	if err != nil {
		return output.Container{}, err
	}
	return output.Single(result), nil
}

func (r *Runner) runFormatterTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	rendered, err := ec.Renderer.Render(task.Formatter.Template)
	if err != nil {
		return output.Container{}, errs.Wrap(errs.KindValidation, err, "failed to render formatter template")
	}
	if err := ec.WriteChunk(ctx, output.Chunk{
		Key:      "task:" + task.Name,
		Delta:    output.Text(rendered),
		Finished: true,
	}); err != nil {
		return output.Container{}, err
	}
	return output.Single(output.Text(rendered)), nil
}

func (r *Runner) runLoopTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	spec := task.LoopSequential

	values := spec.Values.List
	if spec.Values.Template != "" {
		rendered, err := ec.Renderer.RenderList(spec.Values.Template)
		if err != nil {
			return output.Container{}, errs.Wrap(errs.KindValidation, err, "failed to render loop values")
		}
		values = rendered
	}
	if len(values) == 0 {
		return output.ListContainer(), nil
	}

	concurrency := spec.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultLoopConcurrency
	}

	results := make([]output.Container, len(values))
	errch := make(chan error, len(values))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := range values {
		wg.Add(1)
		go func(idx int, value any) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errch <- errs.Canceled
				return
			}
			iterEC := ec.WithChildScope(map[string]any{"value": value, "index": idx})
			iterResults := make(map[string]output.Container, len(spec.Tasks))
			for j := range spec.Tasks {
				inner := &spec.Tasks[j]
				result, err := r.runTask(ctx, iterEC, inner)
				if err != nil {
					errch <- fmt.Errorf("iteration %d, task %q: %w", idx, inner.Name, err)
					return
				}
				iterResults[inner.Name] = result
				iterEC.Renderer.Set(inner.Name, containerScopeValue(result))
			}
			results[idx] = output.MapContainer(iterResults)
		}(i, values[i])
	}
	wg.Wait()
	close(errch)
	if err := <-errch; err != nil {
		return output.Container{}, err
	}
	return output.ListContainer(results...), nil
}

func (r *Runner) runSubWorkflowTask(ctx context.Context, ec *exec.ExecutionContext, task *config.Task) (output.Container, error) {
	spec := task.SubWorkflow
	wf, err := r.Deps.Project.ResolveWorkflow(spec.WorkflowRef)
	if err != nil {
		return output.Container{}, err
	}
	variables := make(map[string]any, len(spec.Variables))
	for name, tmpl := range spec.Variables {
		rendered, err := ec.Renderer.Render(tmpl)
		if err != nil {
			return output.Container{}, errs.Wrap(errs.KindValidation, err, "failed to render variable "+name)
		}
		variables[name] = rendered
	}
	return r.Run(ctx, ec, wf, variables)
}

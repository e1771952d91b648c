package exec

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/output"
	"github.com/haasonsaas/oxide/internal/retry"
	"github.com/haasonsaas/oxide/pkg/models"
)

// Response is what an executable produces: the content container plus any
// tool calls the underlying model requested.
type Response struct {
	Content   output.Container
	ToolCalls []models.ToolCall
}

// Executable is a composable unit of work. Ownership of the input transfers
// to the executable. Implementations must be safe for concurrent use when
// shared across goroutines.
type Executable[I any] interface {
	Execute(ctx context.Context, ec *ExecutionContext, input I) (*Response, error)
}

// Func adapts a function to the Executable interface.
type Func[I any] func(ctx context.Context, ec *ExecutionContext, input I) (*Response, error)

func (f Func[I]) Execute(ctx context.Context, ec *ExecutionContext, input I) (*Response, error) {
	return f(ctx, ec, input)
}

// Map transforms the input before delegating to the inner executable.
type Map[I, J any] struct {
	Fn    func(ctx context.Context, ec *ExecutionContext, input I) (J, error)
	Inner Executable[J]
}

func (m *Map[I, J]) Execute(ctx context.Context, ec *ExecutionContext, input I) (*Response, error) {
	mapped, err := m.Fn(ctx, ec, input)
	if err != nil {
		return nil, err
	}
	return m.Inner.Execute(ctx, ec, mapped)
}

// Memo prepends remembered conversation turns to the input and updates the
// memory with the turns the inner executable produces.
type Memo struct {
	Inner  Executable[[]models.Message]
	memory []models.Message
}

// NewMemo creates a memo combinator seeded with initial memory.
func NewMemo(inner Executable[[]models.Message], initial []models.Message) *Memo {
	return &Memo{Inner: inner, memory: initial}
}

func (m *Memo) Execute(ctx context.Context, ec *ExecutionContext, input []models.Message) (*Response, error) {
	merged := make([]models.Message, 0, len(m.memory)+len(input))
	merged = append(merged, m.memory...)
	merged = append(merged, input...)
	resp, err := m.Inner.Execute(ctx, ec, merged)
	if err != nil {
		return nil, err
	}
	m.memory = append(m.memory, input...)
	m.memory = append(m.memory, models.Message{
		Role:      models.RoleAssistant,
		Content:   resp.Content.String(),
		ToolCalls: resp.ToolCalls,
		CreatedAt: time.Now(),
	})
	return resp, nil
}

// ToolDispatcher executes a batch of tool calls and returns the tool-result
// messages to append to the conversation.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, ec *ExecutionContext, calls []models.ToolCall) ([]models.Message, error)
}

// ToolClearer is implemented by LLM executables that can drop their tool set
// for a final synthesize pass.
type ToolClearer interface {
	ClearTools()
}

// ReactOnce runs one agent turn: a single inner call followed by at most one
// round of tool dispatch.
type ReactOnce struct {
	Inner Executable[[]models.Message]
	Tools ToolDispatcher
}

func (r *ReactOnce) Execute(ctx context.Context, ec *ExecutionContext, input []models.Message) (*Response, error) {
	resp, err := r.Inner.Execute(ctx, ec, input)
	if err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) == 0 {
		return resp, nil
	}
	if _, err := r.Tools.Dispatch(ctx, ec, resp.ToolCalls); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReactRAR is the reason-act-reflect loop: agent turns repeat until the model
// returns no tool calls or the tool-call budget is exhausted. When the budget
// runs out with tool calls still pending, a final synthesize pass (tools
// cleared) streams the answer.
type ReactRAR struct {
	Inner         Executable[[]models.Message]
	Tools         ToolDispatcher
	MaxIterations int
}

// DefaultMaxReactIterations bounds the reason-act loop when no explicit
// budget is configured.
const DefaultMaxReactIterations = 10

func (r *ReactRAR) Execute(ctx context.Context, ec *ExecutionContext, input []models.Message) (*Response, error) {
	maxIter := r.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxReactIterations
	}

	messages := input
	var last *Response
	var allCalls []models.ToolCall

	for iteration := 0; iteration < maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.Canceled
		}
		resp, err := r.Inner.Execute(ctx, ec, messages)
		if err != nil {
			return nil, err
		}
		last = resp
		if len(resp.ToolCalls) == 0 {
			return &Response{Content: resp.Content, ToolCalls: allCalls}, nil
		}
		allCalls = append(allCalls, resp.ToolCalls...)

		toolMessages, err := r.Tools.Dispatch(ctx, ec, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content.String(),
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, toolMessages...)
	}

	// Budget exhausted with tool calls still pending; synthesize without
	// tools so the model has to answer.
	if clearer, ok := r.Inner.(ToolClearer); ok {
		clearer.ClearTools()
		if err := ec.WriteMessage(ctx, fmt.Sprintf("max_iterations reached (%d)", maxIter)); err != nil {
			return nil, err
		}
		resp, err := r.Inner.Execute(ctx, ec, messages)
		if err != nil {
			return nil, err
		}
		return &Response{Content: resp.Content, ToolCalls: allCalls}, nil
	}
	return &Response{Content: last.Content, ToolCalls: allCalls}, nil
}

// Fallback re-runs with a fallback executable when the primary response
// matches the trigger predicate but no event matching the success predicate
// was observed during the primary run.
type Fallback[I any] struct {
	Primary  Executable[I]
	Trigger  func(*Response) bool
	Success  func(Event) bool
	Fallback Executable[I]
}

func (f *Fallback[I]) Execute(ctx context.Context, ec *ExecutionContext, input I) (*Response, error) {
	var observed atomic.Bool
	ec.Sink().Observe(func(event Event) {
		if f.Success(event) {
			observed.Store(true)
		}
	})

	resp, err := f.Primary.Execute(ctx, ec, input)
	if err != nil {
		return nil, err
	}
	if f.Trigger(resp) && !observed.Load() {
		return f.Fallback.Execute(ctx, ec, input)
	}
	return resp, nil
}

// Retryable wraps an executable with the context's retry policy. Transient
// errors retry with exponential backoff and jitter until the elapsed-time
// budget runs out; a user-visible event precedes each retry.
type Retryable[I any] struct {
	Inner Executable[I]
}

func (r *Retryable[I]) Execute(ctx context.Context, ec *ExecutionContext, input I) (*Response, error) {
	var resp *Response
	result := retry.DoNotify(ctx, ec.Retry, func() error {
		var err error
		resp, err = r.Inner.Execute(ctx, ec, input)
		if err != nil && !errs.IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, delay time.Duration) {
		_ = ec.WriteMessage(ctx, fmt.Sprintf("retrying after %s", delay.Round(time.Millisecond)))
	})
	if result.Err != nil {
		var perm *retry.PermanentError
		if errors.As(result.Err, &perm) {
			return nil, perm.Err
		}
		return nil, result.Err
	}
	return resp, nil
}

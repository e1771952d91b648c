package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/pkg/models"
)

// Transition names used by the plan/synthesize machine.
const (
	TransitionStart     = "start"
	TransitionEnd       = "end"
	TransitionQuery     = "query"
	TransitionVisualize = "visualize"
	TransitionInsight   = "insight"
	TransitionSubflow   = "subflow"
)

// StartMode selects how the machine enters.
type StartMode struct {
	// Plan generates an upfront plan from history when set.
	Plan *PlanConfig
}

// PlanConfig drives plan generation.
type PlanConfig struct {
	Model       string
	Instruction string
	Example     string
}

// EndMode selects how the machine exits.
type EndMode struct {
	// Synthesize streams a final synthesized answer when set.
	Synthesize *SynthesizeConfig
}

// SynthesizeConfig drives the final synthesis pass.
type SynthesizeConfig struct {
	Model       string
	Instruction string
}

// ChoiceKind selects how the next transition is picked.
type ChoiceKind int

const (
	// ChoiceAlways takes a fixed next transition.
	ChoiceAlways ChoiceKind = iota
	// ChoiceAuto asks the model to pick among candidates (unless there is
	// only one).
	ChoiceAuto
	// ChoicePlan follows the generated plan: jump to start while plan steps
	// remain, asking the model whether to revise on each cycle back.
	ChoicePlan
)

// Choice is a transition-selection rule.
type Choice struct {
	Kind       ChoiceKind
	Next       string
	Candidates []string
}

// Trigger performs a transition's work against the shared context.
type Trigger interface {
	Fire(ctx context.Context, ec *exec.ExecutionContext, tc *TransitionContext, objective string) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, ec *exec.ExecutionContext, tc *TransitionContext, objective string) error

func (f TriggerFunc) Fire(ctx context.Context, ec *exec.ExecutionContext, tc *TransitionContext, objective string) error {
	return f(ctx, ec, tc, objective)
}

// Transition is one named state of the machine.
type Transition struct {
	Name    string
	Choice  Choice
	Trigger Trigger
}

// TransitionContext is the state shared across transitions: the iteration
// counter, the current plan, rolling content, and message history.
type TransitionContext struct {
	iteration      int
	userQuery      string
	transitionName string
	plan           string
	content        strings.Builder
	messages       []models.Message
}

// NewTransitionContext starts a context for one user query.
func NewTransitionContext(userQuery string) *TransitionContext {
	return &TransitionContext{userQuery: userQuery, transitionName: TransitionStart}
}

// IncreaseIteration advances the loop counter.
func (tc *TransitionContext) IncreaseIteration() { tc.iteration++ }

// MaxIterationsReached reports whether the iteration budget is exhausted.
func (tc *TransitionContext) MaxIterationsReached(max int) bool {
	return max > 0 && tc.iteration >= max
}

// UserQuery returns the driving question.
func (tc *TransitionContext) UserQuery() string { return tc.userQuery }

// TransitionName returns the current transition.
func (tc *TransitionContext) TransitionName() string { return tc.transitionName }

// SetTransitionName records the current transition.
func (tc *TransitionContext) SetTransitionName(name string) { tc.transitionName = name }

// Plan returns the generated plan, if any.
func (tc *TransitionContext) Plan() (string, bool) { return tc.plan, tc.plan != "" }

// SetPlan stores the generated plan.
func (tc *TransitionContext) SetPlan(plan string) { tc.plan = plan }

// Content returns the rolling content buffer.
func (tc *TransitionContext) Content() string { return tc.content.String() }

// AppendContent extends the rolling content buffer.
func (tc *TransitionContext) AppendContent(s string) { tc.content.WriteString(s) }

// AddMessage appends a turn to the history.
func (tc *TransitionContext) AddMessage(msg models.Message) {
	tc.messages = append(tc.messages, msg)
}

// AddToolCall records a tool call and its result as paired turns.
func (tc *TransitionContext) AddToolCall(objective string, call models.ToolCall, result string) {
	tc.messages = append(tc.messages,
		models.Message{Role: models.RoleAssistant, Content: objective, ToolCalls: []models.ToolCall{call}},
		models.Message{Role: models.RoleTool, ToolCallID: call.ID, Content: result},
	)
}

// Messages returns the accumulated history.
func (tc *TransitionContext) Messages() []models.Message { return tc.messages }

// Machine drives multi-step agentic work through named transitions.
type Machine struct {
	Transitions   map[string]*Transition
	Start         StartMode
	End           EndMode
	MaxIterations int

	// Selector answers transition-choice questions. It receives a prompt
	// and returns the model's text.
	Selector func(ctx context.Context, prompt string) (string, error)

	// Synthesizer streams the final answer when End.Synthesize is set.
	Synthesizer exec.Executable[[]models.Message]
}

// DefaultMaxFSMIterations bounds the machine when unconfigured.
const DefaultMaxFSMIterations = 12

// Run drives the machine from Start to End for one user query.
func (m *Machine) Run(ctx context.Context, ec *exec.ExecutionContext, userQuery string) (*TransitionContext, error) {
	maxIterations := m.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxFSMIterations
	}

	tc := NewTransitionContext(userQuery)
	tc.AddMessage(models.Message{Role: models.RoleUser, Content: userQuery})

	if m.Start.Plan != nil {
		plan, err := m.generatePlan(ctx, tc)
		if err != nil {
			return nil, err
		}
		tc.SetPlan(plan)
	}

	current := TransitionStart
	objective := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, errs.Canceled
		}
		if tc.MaxIterationsReached(maxIterations) {
			if err := ec.WriteMessage(ctx, fmt.Sprintf("max_iterations reached (%d)", maxIterations)); err != nil {
				return nil, err
			}
			break
		}

		transition, ok := m.Transitions[current]
		if !ok {
			return nil, errs.Runtime("transition %q is not defined", current)
		}
		tc.SetTransitionName(current)

		if transition.Trigger != nil {
			if err := transition.Trigger.Fire(ctx, ec, tc, objective); err != nil {
				return nil, err
			}
		}
		tc.IncreaseIteration()

		if current == TransitionEnd {
			break
		}
		next, nextObjective, err := m.choose(ctx, transition, tc)
		if err != nil {
			return nil, err
		}
		current, objective = next, nextObjective
	}

	if m.End.Synthesize != nil && m.Synthesizer != nil {
		if _, err := m.Synthesizer.Execute(ctx, ec, tc.Messages()); err != nil {
			return nil, err
		}
	}
	return tc, nil
}

func (m *Machine) generatePlan(ctx context.Context, tc *TransitionContext) (string, error) {
	if m.Selector == nil {
		return "", errs.Configuration("plan mode requires a selector model")
	}
	var sb strings.Builder
	sb.WriteString(m.Start.Plan.Instruction)
	if m.Start.Plan.Example != "" {
		sb.WriteString("\n\nExample:\n")
		sb.WriteString(m.Start.Plan.Example)
	}
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(tc.UserQuery())
	return m.Selector(ctx, sb.String())
}

// choose resolves the next transition per the rules: Always is
// unconditional; Auto with one candidate takes it and otherwise asks the
// model to select and produce an objective; Plan jumps back to start while a
// plan exists, asking the model whether the plan needs revision.
func (m *Machine) choose(ctx context.Context, transition *Transition, tc *TransitionContext) (string, string, error) {
	switch transition.Choice.Kind {
	case ChoiceAlways:
		if transition.Choice.Next == "" {
			return TransitionEnd, "", nil
		}
		return transition.Choice.Next, "", nil

	case ChoiceAuto:
		candidates := transition.Choice.Candidates
		if len(candidates) == 0 {
			return TransitionEnd, "", nil
		}
		if len(candidates) == 1 {
			return candidates[0], "", nil
		}
		if m.Selector == nil {
			return candidates[0], "", nil
		}
		answer, err := m.Selector(ctx, fmt.Sprintf(
			"Given the conversation so far:\n%s\n\nPick the next step among [%s] and state the objective as '<step>: <objective>'.",
			tc.Content(), strings.Join(candidates, ", ")))
		if err != nil {
			return "", "", err
		}
		name, objective := parseSelection(answer, candidates)
		return name, objective, nil

	case ChoicePlan:
		plan, ok := tc.Plan()
		if !ok {
			return TransitionEnd, "", nil
		}
		if m.Selector == nil {
			return TransitionEnd, "", nil
		}
		answer, err := m.Selector(ctx, fmt.Sprintf(
			"Current plan:\n%s\n\nProgress so far:\n%s\n\nAnswer 'revise: <new plan>' to change the plan, 'continue' to keep executing it, or 'done' if the plan is complete.",
			plan, tc.Content()))
		if err != nil {
			return "", "", err
		}
		lower := strings.ToLower(strings.TrimSpace(answer))
		switch {
		case strings.HasPrefix(lower, "revise:"):
			tc.SetPlan(strings.TrimSpace(answer[len("revise:"):]))
			return TransitionStart, "", nil
		case strings.HasPrefix(lower, "done"):
			return TransitionEnd, "", nil
		default:
			return TransitionStart, "", nil
		}
	}
	return TransitionEnd, "", nil
}

func parseSelection(answer string, candidates []string) (string, string) {
	name, objective, _ := strings.Cut(strings.TrimSpace(answer), ":")
	name = strings.ToLower(strings.TrimSpace(name))
	for _, candidate := range candidates {
		if name == candidate {
			return candidate, strings.TrimSpace(objective)
		}
	}
	return candidates[0], strings.TrimSpace(objective)
}

package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/pkg/models"
)

func toolCallFixture() models.ToolCall {
	return models.ToolCall{ID: "call-1", Name: "execute_sql", Arguments: []byte(`{"sql":"SELECT 1"}`)}
}

func countingTrigger(counter *int) Trigger {
	return TriggerFunc(func(ctx context.Context, ec *exec.ExecutionContext, tc *TransitionContext, objective string) error {
		*counter++
		tc.AppendContent("step ")
		return nil
	})
}

func TestMachine_AlwaysChainRunsToEnd(t *testing.T) {
	var starts, queries, ends int
	machine := &Machine{
		Transitions: map[string]*Transition{
			TransitionStart: {
				Name:    TransitionStart,
				Choice:  Choice{Kind: ChoiceAlways, Next: TransitionQuery},
				Trigger: countingTrigger(&starts),
			},
			TransitionQuery: {
				Name:    TransitionQuery,
				Choice:  Choice{Kind: ChoiceAlways, Next: TransitionEnd},
				Trigger: countingTrigger(&queries),
			},
			TransitionEnd: {
				Name:    TransitionEnd,
				Trigger: countingTrigger(&ends),
			},
		},
	}

	ec, _ := testContext(100)
	tc, err := machine.Run(context.Background(), ec, "question")
	require.NoError(t, err)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, queries)
	assert.Equal(t, 1, ends)
	assert.Equal(t, 3, len(strings.Fields(tc.Content())))
}

func TestMachine_AutoSingleCandidateSkipsSelector(t *testing.T) {
	var fired int
	selectorCalled := false
	machine := &Machine{
		Selector: func(ctx context.Context, prompt string) (string, error) {
			selectorCalled = true
			return TransitionEnd, nil
		},
		Transitions: map[string]*Transition{
			TransitionStart: {
				Name:    TransitionStart,
				Choice:  Choice{Kind: ChoiceAuto, Candidates: []string{TransitionEnd}},
				Trigger: countingTrigger(&fired),
			},
			TransitionEnd: {Name: TransitionEnd},
		},
	}

	ec, _ := testContext(100)
	_, err := machine.Run(context.Background(), ec, "q")
	require.NoError(t, err)
	assert.False(t, selectorCalled, "single candidate is taken without asking the model")
}

func TestMachine_AutoMultipleAsksSelector(t *testing.T) {
	var fired int
	machine := &Machine{
		Selector: func(ctx context.Context, prompt string) (string, error) {
			assert.Contains(t, prompt, TransitionQuery)
			return TransitionQuery + ": find totals", nil
		},
		Transitions: map[string]*Transition{
			TransitionStart: {
				Name:   TransitionStart,
				Choice: Choice{Kind: ChoiceAuto, Candidates: []string{TransitionQuery, TransitionVisualize}},
			},
			TransitionQuery: {
				Name:    TransitionQuery,
				Choice:  Choice{Kind: ChoiceAlways, Next: TransitionEnd},
				Trigger: countingTrigger(&fired),
			},
			TransitionEnd: {Name: TransitionEnd},
		},
	}

	ec, _ := testContext(100)
	_, err := machine.Run(context.Background(), ec, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestMachine_MaxIterationsEmitsVisibleEvent(t *testing.T) {
	var fired int
	machine := &Machine{
		MaxIterations: 3,
		Transitions: map[string]*Transition{
			TransitionStart: {
				Name:    TransitionStart,
				Choice:  Choice{Kind: ChoiceAlways, Next: TransitionStart},
				Trigger: countingTrigger(&fired),
			},
		},
	}

	ec, sink := testContext(100)
	_, err := machine.Run(context.Background(), ec, "q")
	require.NoError(t, err)
	assert.Equal(t, 3, fired)

	sink.Close()
	found := false
	for event := range sink.Events() {
		if event.Kind == exec.EventMessage && strings.Contains(event.Message, "max_iterations reached") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMachine_PlanGeneratedOnStart(t *testing.T) {
	machine := &Machine{
		Start: StartMode{Plan: &PlanConfig{Instruction: "plan the steps"}},
		Selector: func(ctx context.Context, prompt string) (string, error) {
			if strings.Contains(prompt, "plan the steps") {
				return "1. query\n2. answer", nil
			}
			return "done", nil
		},
		Transitions: map[string]*Transition{
			TransitionStart: {
				Name:   TransitionStart,
				Choice: Choice{Kind: ChoicePlan},
			},
			TransitionEnd: {Name: TransitionEnd},
		},
	}

	ec, _ := testContext(100)
	tc, err := machine.Run(context.Background(), ec, "q")
	require.NoError(t, err)
	plan, ok := tc.Plan()
	require.True(t, ok)
	assert.Contains(t, plan, "1. query")
}

func TestTransitionContext_ToolCallPairing(t *testing.T) {
	tc := NewTransitionContext("q")
	tc.AddToolCall("objective", toolCallFixture(), "result text")
	messages := tc.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "objective", messages[0].Content)
	assert.Equal(t, "result text", messages[1].Content)
	assert.Equal(t, messages[0].ToolCalls[0].ID, messages[1].ToolCallID)
}

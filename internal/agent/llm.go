// Package agent implements the LLM-driven core: the streaming provider
// adapter, the incremental structured-response parser, tool dispatch with a
// concurrency cap, routing agents, and the plan/synthesize state machine.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
	"github.com/haasonsaas/oxide/pkg/models"
)

// LLMRetryMaxElapsed bounds total time spent retrying one LLM call.
const LLMRetryMaxElapsed = 90 * time.Second

// ToolDefinition is a function exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// LLMExecutable streams one completion from an OpenAI-compatible endpoint,
// feeding text deltas through the tolerant response parser and accumulating
// tool-call argument deltas until the provider finalizes each call.
type LLMExecutable struct {
	client          *openai.Client
	model           string
	systemPrompt    string
	tools           []ToolDefinition
	maxHistoryTurns int
}

// NewLLMExecutable builds the streaming executable for a configured model.
func NewLLMExecutable(project *config.Project, model *config.Model, systemPrompt string, tools []ToolDefinition) (*LLMExecutable, error) {
	apiKey, err := project.Secrets.Resolve(model.KeyVar)
	if err != nil {
		return nil, err
	}
	cfg := openai.DefaultConfig(apiKey)
	if model.APIURL != "" {
		cfg.BaseURL = model.APIURL
	}
	return &LLMExecutable{
		client:          openai.NewClientWithConfig(cfg),
		model:           model.ModelID,
		systemPrompt:    systemPrompt,
		tools:           tools,
		maxHistoryTurns: model.MaxHistoryTurns,
	}, nil
}

// ClearTools drops the tool set so the next call must answer in prose. Used
// by the reason-act-reflect loop for its synthesize pass.
func (l *LLMExecutable) ClearTools() {
	l.tools = nil
}

func (l *LLMExecutable) buildRequest(history []models.Message) openai.ChatCompletionRequest {
	history = models.PruneHistory(history, l.maxHistoryTurns)

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if l.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: l.systemPrompt,
		})
	}
	for _, m := range history {
		msg := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case models.RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case models.RoleTool:
			msg.ToolCallID = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	req := openai.ChatCompletionRequest{
		Model:         l.model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, tool := range l.tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Parameters, &params); err != nil || params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return req
}

// Execute implements exec.Executable over conversation history. The call is
// retried on transient stream failures by the surrounding Retryable
// combinator; errors surfaced from here are already classified.
func (l *LLMExecutable) Execute(ctx context.Context, ec *exec.ExecutionContext, input []models.Message) (*exec.Response, error) {
	stream, err := l.client.CreateChatCompletionStream(ctx, l.buildRequest(input))
	if err != nil {
		return nil, classifyProviderError(err)
	}
	defer stream.Close()
	return l.processStream(ctx, ec, stream)
}

func (l *LLMExecutable) processStream(ctx context.Context, ec *exec.ExecutionContext, stream *openai.ChatCompletionStream) (*exec.Response, error) {
	parser := &responseParser{}
	// Tool calls accumulate by provider-assigned index; argument deltas
	// append until the stream ends.
	pending := make(map[int]*models.ToolCall)
	var order []int
	var usage *output.Usage

	for {
		select {
		case <-ctx.Done():
			return nil, errs.Canceled
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, classifyProviderError(err)
		}

		if resp.Usage != nil {
			usage = &output.Usage{
				InputTokens:  int64(resp.Usage.PromptTokens),
				OutputTokens: int64(resp.Usage.CompletionTokens),
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			if err := parser.processDelta(ctx, ec, delta.Content, len(pending) > 0); err != nil {
				return nil, err
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := pending[index]
			if !ok {
				call = &models.ToolCall{}
				pending[index] = call
				order = append(order, index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Arguments = append(call.Arguments, tc.Function.Arguments...)
			}
		}
	}

	var toolCalls []models.ToolCall
	for _, index := range order {
		call := pending[index]
		if call.ID != "" && call.Name != "" {
			toolCalls = append(toolCalls, *call)
		}
	}

	final, alreadyStreamed := parser.finalize()
	terminal := final
	if alreadyStreamed {
		terminal.Replace("")
	}
	if err := ec.WriteChunk(ctx, output.Chunk{
		Key:      exec.AgentSourceContent,
		Delta:    terminal,
		Finished: true,
	}); err != nil {
		return nil, err
	}

	if usage != nil {
		ec.AddUsage(*usage)
	}

	return &exec.Response{Content: output.Single(final), ToolCalls: toolCalls}, nil
}

// OneShotText runs a non-streaming completion and returns the text. Used by
// planners and transition selection.
func (l *LLMExecutable) OneShotText(ctx context.Context, prompt string) (string, error) {
	msgs := []openai.ChatCompletionMessage{}
	if l.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: l.systemPrompt,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})
	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    l.model,
		Messages: msgs,
	})
	if err != nil {
		return "", classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errs.New(errs.KindLLM, "model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyProviderError maps provider failures onto the runtime taxonomy:
// rate limits, 5xx, timeouts, and stream interruptions are transient;
// auth failures and other 4xx are permanent.
func classifyProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return errs.Wrap(errs.KindAuthentication, err, "provider rejected credentials")
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return errs.Transient(err)
		default:
			return errs.Wrap(errs.KindLLM, err, "provider error")
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "stream") ||
		strings.Contains(msg, "unexpected eof") {
		return errs.Transient(err)
	}
	slog.Debug("unclassified provider error", "error", err)
	return errs.Wrap(errs.KindLLM, err, "provider error")
}

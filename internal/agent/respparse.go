package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
)

// agentResponse is the JSON envelope agents are instructed to answer with:
// {"data": {"text": ...}} or {"data": {"sql": ...}} or
// {"data": {"file_path": ...}}.
type agentResponse struct {
	Data agentResponseData `json:"data"`
}

type agentResponseData struct {
	Text     *string `json:"text,omitempty"`
	SQL      *string `json:"sql,omitempty"`
	FilePath *string `json:"file_path,omitempty"`
}

func (d agentResponseData) kind() output.Kind {
	switch {
	case d.SQL != nil:
		return output.KindSQL
	case d.FilePath != nil:
		return output.KindTable
	default:
		return output.KindText
	}
}

func (d agentResponseData) value() string {
	switch {
	case d.SQL != nil:
		return *d.SQL
	case d.FilePath != nil:
		return *d.FilePath
	case d.Text != nil:
		return *d.Text
	}
	return ""
}

// parseTolerant parses any prefix of a valid agent response to its best
// current interpretation. Unclosed strings and containers are completed;
// trailing partial tokens are backtracked until the document parses.
func parseTolerant(content string) (*agentResponse, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	for end := len(trimmed); end > 0; end-- {
		candidate := completeJSONPrefix(trimmed[:end])
		if candidate == "" {
			continue
		}
		var resp agentResponse
		if err := json.Unmarshal([]byte(candidate), &resp); err == nil {
			return &resp, true
		}
	}
	return nil, false
}

// completeJSONPrefix closes open strings and containers of a JSON prefix.
// Returns "" when the prefix cannot be completed at this cut point (e.g. it
// ends mid-escape or on a dangling key).
func completeJSONPrefix(prefix string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) == 0 || stack[len(stack)-1] != '{' {
				return ""
			}
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				return ""
			}
			stack = stack[:len(stack)-1]
		}
	}
	if escaped {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	if inString {
		sb.WriteByte('"')
	}
	// Trailing commas and colons would dangle once we close containers.
	body := strings.TrimRight(sb.String(), " \t\n\r")
	if strings.HasSuffix(body, ",") || strings.HasSuffix(body, ":") {
		body = body[:len(body)-1]
	}
	sb.Reset()
	sb.WriteString(body)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			sb.WriteByte('}')
		} else {
			sb.WriteByte(']')
		}
	}
	return sb.String()
}

// responseParser incrementally interprets a streamed agent response and
// emits only newly appended bytes of the structured field. Plain text (no
// envelope, no active tool calls) streams as-is. An "Output:" header is
// emitted once per request before the first visible content.
type responseParser struct {
	content          strings.Builder
	lastParsedLength int
	hasWritten       bool
}

// outputHeader breaks sections in downstream UIs.
const outputHeader = "\nOutput:"

func (p *responseParser) processDelta(ctx context.Context, ec *exec.ExecutionContext, delta string, toolCallsActive bool) error {
	p.content.WriteString(delta)
	content := p.content.String()

	if !toolCallsActive {
		if resp, ok := parseTolerant(content); ok {
			return p.handleStructured(ctx, ec, resp)
		}
	}
	if content != "" {
		return p.handlePlainText(ctx, ec, content)
	}
	return nil
}

func (p *responseParser) handleStructured(ctx context.Context, ec *exec.ExecutionContext, resp *agentResponse) error {
	parsed := resp.Data.value()
	// Stream deltas only while the response reads as text; sql and table
	// land whole at finalize once the discriminant is unambiguous.
	if p.lastParsedLength == len(parsed) || resp.Data.kind() != output.KindText {
		return nil
	}
	if !p.hasWritten {
		if err := ec.WriteMessage(ctx, outputHeader); err != nil {
			return err
		}
		p.hasWritten = true
	}
	var chunk string
	if len(parsed) > p.lastParsedLength {
		chunk = parsed[p.lastParsedLength:]
	}
	p.lastParsedLength = len(parsed)
	return ec.WriteChunk(ctx, output.Chunk{
		Key:   exec.AgentSourceContent,
		Delta: output.Text(chunk),
	})
}

func (p *responseParser) handlePlainText(ctx context.Context, ec *exec.ExecutionContext, content string) error {
	if !p.hasWritten {
		if err := ec.WriteMessage(ctx, outputHeader); err != nil {
			return err
		}
		p.hasWritten = true
	}
	if len(content) > p.lastParsedLength {
		if err := ec.WriteChunk(ctx, output.Chunk{
			Key:   exec.AgentSourceContent,
			Delta: output.Text(content[p.lastParsedLength:]),
		}); err != nil {
			return err
		}
		p.lastParsedLength = len(content)
	}
	return nil
}

// finalize interprets the full buffer and returns the terminal output. When
// deltas were already streamed the terminal chunk carries an empty payload of
// the final kind so consumers learn the kind without duplicate bytes.
func (p *responseParser) finalize() (final output.Output, alreadyStreamed bool) {
	content := p.content.String()
	resp, ok := parseTolerant(content)
	if !ok {
		resp = &agentResponse{Data: agentResponseData{Text: &content}}
	}
	value := resp.Data.value()
	switch resp.Data.kind() {
	case output.KindSQL:
		final = output.SQL(value)
	case output.KindTable:
		final = output.TableOutput(output.NewTable(value))
	default:
		final = output.Text(value)
	}
	return final, p.hasWritten
}

package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
)

func testContext(capacity int) (*exec.ExecutionContext, *exec.EventSink) {
	sink := exec.NewEventSinkWithCapacity(capacity)
	return exec.NewExecutionContext(nil, nil, sink), sink
}

// collectDeltas drains chunk events and concatenates text deltas.
func collectDeltas(sink *exec.EventSink) string {
	sink.Close()
	var sb strings.Builder
	for event := range sink.Events() {
		if event.Kind == exec.EventChunk && event.Chunk != nil {
			sb.WriteString(event.Chunk.Delta.Text)
		}
	}
	return sb.String()
}

func TestParseTolerant_CompleteResponse(t *testing.T) {
	resp, ok := parseTolerant(`{"data": {"text": "hello"}}`)
	require.True(t, ok)
	require.NotNil(t, resp.Data.Text)
	assert.Equal(t, "hello", *resp.Data.Text)
}

func TestParseTolerant_Prefixes(t *testing.T) {
	full := `{"data": {"text": "hello world"}}`
	for end := 1; end <= len(full); end++ {
		resp, ok := parseTolerant(full[:end])
		if !ok {
			continue
		}
		if resp.Data.Text != nil {
			assert.True(t, strings.HasPrefix("hello world", *resp.Data.Text),
				"prefix %q parsed to non-prefix value %q", full[:end], *resp.Data.Text)
		}
	}
}

func TestParseTolerant_SQLDiscriminant(t *testing.T) {
	resp, ok := parseTolerant(`{"data": {"sql": "SELECT 1"}}`)
	require.True(t, ok)
	require.NotNil(t, resp.Data.SQL)
	assert.Equal(t, output.KindSQL, resp.Data.kind())
}

func TestParseTolerant_TrailingComma(t *testing.T) {
	resp, ok := parseTolerant(`{"data": {"text": "hi",`)
	require.True(t, ok)
	require.NotNil(t, resp.Data.Text)
	assert.Equal(t, "hi", *resp.Data.Text)
}

func TestParseTolerant_RejectsNonObject(t *testing.T) {
	_, ok := parseTolerant("plain text answer")
	assert.False(t, ok)
}

func TestResponseParser_StreamedStructuredText(t *testing.T) {
	ec, sink := testContext(1000)
	parser := &responseParser{}
	ctx := context.Background()

	full := `{"data": {"text": "one"}}`
	for _, chunk := range []string{full[:8], full[8:17], full[17:]} {
		require.NoError(t, parser.processDelta(ctx, ec, chunk, false))
	}
	final, streamed := parser.finalize()
	assert.True(t, streamed)
	assert.Equal(t, output.KindText, final.Kind)
	assert.Equal(t, "one", final.Text)

	assert.Equal(t, "one", collectDeltas(sink))
}

func TestResponseParser_PlainTextFallback(t *testing.T) {
	ec, sink := testContext(1000)
	parser := &responseParser{}
	ctx := context.Background()

	require.NoError(t, parser.processDelta(ctx, ec, "just ", false))
	require.NoError(t, parser.processDelta(ctx, ec, "text", false))
	final, streamed := parser.finalize()
	assert.True(t, streamed)
	assert.Equal(t, "just text", final.Text)
	assert.Equal(t, "just text", collectDeltas(sink))
}

func TestResponseParser_SQLNotStreamedUntilFinal(t *testing.T) {
	ec, sink := testContext(1000)
	parser := &responseParser{}
	ctx := context.Background()

	full := `{"data": {"sql": "SELECT 1"}}`
	for _, r := range full {
		require.NoError(t, parser.processDelta(ctx, ec, string(r), false))
	}
	final, streamed := parser.finalize()
	assert.False(t, streamed)
	assert.Equal(t, output.KindSQL, final.Kind)
	assert.Equal(t, "SELECT 1", final.Text)
	assert.Empty(t, collectDeltas(sink))
}

func TestResponseParser_OutputHeaderEmittedOnce(t *testing.T) {
	ec, sink := testContext(1000)
	parser := &responseParser{}
	ctx := context.Background()

	require.NoError(t, parser.processDelta(ctx, ec, "a", false))
	require.NoError(t, parser.processDelta(ctx, ec, "b", false))
	sink.Close()

	headers := 0
	for event := range sink.Events() {
		if event.Kind == exec.EventMessage && event.Message == outputHeader {
			headers++
		}
	}
	assert.Equal(t, 1, headers)
}

// Streaming any prefix split of a complete response emits deltas whose
// concatenation equals the structured field value.
func TestResponseParser_PrefixConcatenationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delta concatenation equals field value", prop.ForAll(
		func(value string, cut int) bool {
			full := `{"data": {"text": ` + jsonQuote(value) + `}}`
			if cut <= 0 || cut >= len(full) {
				cut = len(full) / 2
			}
			ec, sink := testContext(len(full)*4 + 16)
			parser := &responseParser{}
			ctx := context.Background()
			if err := parser.processDelta(ctx, ec, full[:cut], false); err != nil {
				return false
			}
			if err := parser.processDelta(ctx, ec, full[cut:], false); err != nil {
				return false
			}
			final, _ := parser.finalize()
			return final.Text == value && collectDeltas(sink) == value
		},
		gen.AlphaString(),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}

func jsonQuote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	sb.WriteString(s)
	sb.WriteByte('"')
	return sb.String()
}

package a2a

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []TaskState{
	StateSubmitted, StateWorking, StateCompleted, StateFailed,
	StateCanceled, StateRejected, StateInputRequired, StateAuthRequired,
}

// allowedPairs mirrors the protocol graph independently of the
// implementation.
var allowedPairs = map[[2]TaskState]bool{
	{StateSubmitted, StateWorking}:      true,
	{StateSubmitted, StateRejected}:     true,
	{StateSubmitted, StateCanceled}:     true,
	{StateSubmitted, StateFailed}:       true,
	{StateSubmitted, StateAuthRequired}: true,

	{StateWorking, StateCompleted}:     true,
	{StateWorking, StateFailed}:        true,
	{StateWorking, StateCanceled}:      true,
	{StateWorking, StateInputRequired}: true,
	{StateWorking, StateAuthRequired}:  true,

	{StateInputRequired, StateWorking}:  true,
	{StateInputRequired, StateCanceled}: true,
	{StateInputRequired, StateFailed}:   true,

	{StateAuthRequired, StateWorking}:  true,
	{StateAuthRequired, StateCanceled}: true,
	{StateAuthRequired, StateFailed}:   true,
}

func TestValidateTransition_MatchesAllowedSet(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			err := ValidateTransition(from, to)
			want := from == to || allowedPairs[[2]TaskState{from, to}]
			if want {
				assert.NoError(t, err, "%s -> %s should be allowed", from, to)
			} else {
				assert.Error(t, err, "%s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestValidateTransition_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genState := gen.OneConstOf(
		StateSubmitted, StateWorking, StateCompleted, StateFailed,
		StateCanceled, StateRejected, StateInputRequired, StateAuthRequired,
	)

	properties.Property("valid iff in allowed set or same state", prop.ForAll(
		func(from, to TaskState) bool {
			err := ValidateTransition(from, to)
			want := from == to || allowedPairs[[2]TaskState{from, to}]
			return (err == nil) == want
		},
		genState, genState,
	))

	properties.Property("terminal states admit only same-state", prop.ForAll(
		func(from, to TaskState) bool {
			if !IsTerminalState(from) || from == to {
				return true
			}
			return ValidateTransition(from, to) != nil
		},
		genState, genState,
	))

	properties.TestingRun(t)
}

func TestIsTerminalState(t *testing.T) {
	assert.True(t, IsTerminalState(StateCompleted))
	assert.True(t, IsTerminalState(StateCanceled))
	assert.True(t, IsTerminalState(StateRejected))
	assert.True(t, IsTerminalState(StateFailed))
	assert.False(t, IsTerminalState(StateWorking))
	assert.False(t, IsTerminalState(StateSubmitted))
	assert.False(t, CanRestartTask(StateCompleted))
	assert.True(t, CanRestartTask(StateInputRequired))
}

func TestValidateJSONRPCRequest(t *testing.T) {
	require.NoError(t, ValidateJSONRPCRequest(&JSONRPCRequest{JSONRPC: "2.0", Method: "message/send"}))
	assert.Error(t, ValidateJSONRPCRequest(&JSONRPCRequest{JSONRPC: "1.0", Method: "message/send"}))
	assert.Error(t, ValidateJSONRPCRequest(&JSONRPCRequest{JSONRPC: "2.0", Method: ""}))
	assert.Error(t, ValidateJSONRPCRequest(&JSONRPCRequest{JSONRPC: "2.0", Method: "invalid-method"}))
}

func TestValidateMessage(t *testing.T) {
	valid := &Message{MessageID: "m1", Parts: []Part{{Text: "hello"}}}
	require.NoError(t, ValidateMessage(valid))

	assert.Error(t, ValidateMessage(&Message{MessageID: "m1"}))
	assert.Error(t, ValidateMessage(&Message{Parts: []Part{{Text: "hello"}}}))
	assert.Error(t, ValidateMessage(&Message{MessageID: "m1", Parts: []Part{{Text: ""}}}))
}

func TestValidateMIMEType(t *testing.T) {
	require.NoError(t, ValidateMIMEType("text/plain"))
	require.NoError(t, ValidateMIMEType("application/json"))

	assert.Error(t, ValidateMIMEType(""))
	assert.Error(t, ValidateMIMEType("noslash"))
	assert.Error(t, ValidateMIMEType("a/b/c"))
	assert.Error(t, ValidateMIMEType("/subtype"))
	assert.Error(t, ValidateMIMEType("type/"))
}

func TestValidateMIMEType_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("any x/y with non-empty sides is accepted", prop.ForAll(
		func(a, b string) bool {
			mime := a + "/" + b
			err := ValidateMIMEType(mime)
			want := a != "" && b != ""
			return (err == nil) == want
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}

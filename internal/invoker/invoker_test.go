package invoker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablecraft/orchestrator/internal/config"
	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/llm"
)

// scriptedCompleter returns one canned outcome per call, in order. The last
// outcome repeats if the script runs out.
type scriptedCompleter struct {
	outcomes []outcome
	requests []llm.Request
}

type outcome struct {
	text string
	err  error
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	o := s.outcomes[i]
	return o.text, o.err
}

func fastPipeline() config.Pipeline {
	cfg := config.DefaultPipeline()
	cfg.MaxAttempts = 3
	cfg.InitialBackoffMS = 1
	cfg.MaxBackoffMS = 2
	return cfg
}

func promptCtx() PromptContext {
	return PromptContext{
		Role:   domain.RoleWriter,
		System: "You are the Writer.",
		User:   "Draft scene 1.",
		Model:  domain.ModelConfig{Model: "gpt-test"},
	}
}

func TestCallRetriesTransientErrors(t *testing.T) {
	client := &scriptedCompleter{outcomes: []outcome{
		{err: &llm.APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}},
		{err: &llm.APIError{StatusCode: http.StatusBadGateway, Message: "upstream"}},
		{text: "The harbor was empty."},
	}}
	inv := New(client, fastPipeline())

	text, err := inv.Call(context.Background(), promptCtx())
	require.NoError(t, err)
	assert.Equal(t, "The harbor was empty.", text)
	assert.Len(t, client.requests, 3)
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	client := &scriptedCompleter{outcomes: []outcome{
		{err: &llm.APIError{StatusCode: http.StatusBadRequest, Code: "invalid_request_error", Message: "bad model"}},
	}}
	inv := New(client, fastPipeline())

	_, err := inv.Call(context.Background(), promptCtx())
	require.Error(t, err)
	assert.Len(t, client.requests, 1)
}

func TestCallExhaustsAttempts(t *testing.T) {
	client := &scriptedCompleter{outcomes: []outcome{
		{err: &llm.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"}},
	}}
	inv := New(client, fastPipeline())

	_, err := inv.Call(context.Background(), promptCtx())
	require.Error(t, err)
	assert.Len(t, client.requests, 3)

	var apiErr *llm.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestCallAdaptsTokenLimit(t *testing.T) {
	client := &scriptedCompleter{outcomes: []outcome{
		{err: &llm.APIError{
			StatusCode: http.StatusBadRequest,
			Code:       "context_length_exceeded",
			Message:    "This model's maximum context length is 8192 tokens",
		}},
		{text: "ok"},
	}}
	inv := New(client, fastPipeline())

	pc := promptCtx()
	pc.MaxTokens = 16384
	_, err := inv.Call(context.Background(), pc)
	require.NoError(t, err)

	require.Len(t, client.requests, 2)
	require.NotNil(t, client.requests[1].MaxTokens)
	assert.Equal(t, 8192, *client.requests[1].MaxTokens)

	// The discovered limit is cached: a later call on the same model caps
	// its request without a failed attempt first.
	client2 := &scriptedCompleter{outcomes: []outcome{{text: "ok"}}}
	inv.client = client2
	pc.MaxTokens = 16384
	_, err = inv.Call(context.Background(), pc)
	require.NoError(t, err)
	require.Len(t, client2.requests, 1)
	require.NotNil(t, client2.requests[0].MaxTokens)
	assert.Equal(t, 8192, *client2.requests[0].MaxTokens)
}

func TestCallHalvesWhenLimitUnreported(t *testing.T) {
	client := &scriptedCompleter{outcomes: []outcome{
		{err: &llm.APIError{StatusCode: http.StatusBadRequest, Code: "context_length_exceeded", Message: "too long"}},
		{text: "ok"},
	}}
	inv := New(client, fastPipeline())

	pc := promptCtx()
	pc.MaxTokens = 4096
	_, err := inv.Call(context.Background(), pc)
	require.NoError(t, err)
	require.Len(t, client.requests, 2)
	assert.Equal(t, 2048, *client.requests[1].MaxTokens)
}

func TestCallStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedCompleter{outcomes: []outcome{
		{err: &llm.APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}},
	}}
	inv := New(client, fastPipeline())

	cancel()
	_, err := inv.Call(ctx, promptCtx())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallJSONDecodesFencedOutput(t *testing.T) {
	client := &scriptedCompleter{outcomes: []outcome{
		{text: "Here is the outline:\n```json\n{\"scenes\":[{\"number\":1,\"title\":\"Arrival\"}]}\n```"},
	}}
	inv := New(client, fastPipeline())

	var out domain.Outline
	err := inv.CallJSON(context.Background(), promptCtx(), &out)
	require.NoError(t, err)
	require.Len(t, out.Scenes, 1)
	assert.Equal(t, "Arrival", out.Scenes[0].Title)
}

func TestCallJSONCorrectiveReprompt(t *testing.T) {
	client := &scriptedCompleter{outcomes: []outcome{
		{text: "I cannot produce JSON right now."},
		{text: `{"scenes":[]}`},
	}}
	inv := New(client, fastPipeline())

	var out domain.Outline
	err := inv.CallJSON(context.Background(), promptCtx(), &out)
	require.NoError(t, err)

	require.Len(t, client.requests, 2)
	assert.Contains(t, client.requests[1].Messages[1].Content, "ONLY the JSON object")
}

func TestCallJSONFailsAfterSecondBadReply(t *testing.T) {
	client := &scriptedCompleter{outcomes: []outcome{
		{text: "not json"},
		{text: "still not json"},
	}}
	inv := New(client, fastPipeline())

	var out domain.Outline
	err := inv.CallJSON(context.Background(), promptCtx(), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparsable")
}

func TestDecodeJSONVariants(t *testing.T) {
	cases := []string{
		`{"scenes":[]}`,
		"```json\n{\"scenes\":[]}\n```",
		"```\n{\"scenes\":[]}\n```",
		"Sure, here you go: {\"scenes\":[]}",
	}
	for _, text := range cases {
		var out domain.Outline
		assert.NoError(t, decodeJSON(text, &out), "input: %s", text)
	}

	var out domain.Outline
	assert.Error(t, decodeJSON("no braces here", &out))
}

func TestBackoffDelayStaysWithinEnvelope(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		// Full jitter: any value in [0, min(initial*2^(n-1), max)) is valid.
		for i := 0; i < 20; i++ {
			d := backoffDelay(attempt, initial, max)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.Less(t, d, max+time.Millisecond)
		}
	}
}

func TestBackoffDelayFirstAttemptUnderInitial(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := backoffDelay(1, 100*time.Millisecond, time.Second)
		assert.Less(t, d, 100*time.Millisecond)
	}
}

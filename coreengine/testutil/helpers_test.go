package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/llm"
)

// =============================================================================
// MOCK TESTS (ENSURE MOCKS WORK CORRECTLY)
// =============================================================================

func TestMockLLMProvider(t *testing.T) {
	t.Run("response by purpose", func(t *testing.T) {
		mock := NewMockLLMProvider().WithResponse("classify", `{"domain": "employee"}`)

		resp, err := mock.Chat(context.Background(), &llm.ChatRequest{Purpose: "classify"})
		require.NoError(t, err)
		assert.Equal(t, `{"domain": "employee"}`, resp.Content)
		assert.Equal(t, 1, mock.CallsFor("classify"))
	})

	t.Run("unmatched purpose is unavailable", func(t *testing.T) {
		mock := NewMockLLMProvider()

		_, err := mock.Chat(context.Background(), &llm.ChatRequest{Purpose: "decompose"})
		assert.ErrorIs(t, err, llm.ErrProviderUnavailable)
	})

	t.Run("error by purpose", func(t *testing.T) {
		boom := errors.New("boom")
		mock := NewMockLLMProvider().WithError("classify", boom)

		_, err := mock.Chat(context.Background(), &llm.ChatRequest{Purpose: "classify"})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("delay honours cancellation", func(t *testing.T) {
		mock := NewMockLLMProvider().WithDelay(time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := mock.Chat(ctx, &llm.ChatRequest{Purpose: "classify"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("through client", func(t *testing.T) {
		mock := NewMockLLMProvider().WithResponse("classify", "hello")
		client := NewMockClient(mock)

		out, err := client.Complete(context.Background(), "classify", 0, "system", llm.User("question"))
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
		assert.Equal(t, "question", mock.LastPrompt("classify"))
	})
}

func TestMockAgent(t *testing.T) {
	t.Run("results in order, last repeats", func(t *testing.T) {
		agent := NewMockAgent("sql",
			SuccessResult("sql", "q1", Rows(1, func(i int) map[string]any { return map[string]any{"id": i} })),
			FailedResult("sql", "sql unavailable"),
		)

		assert.True(t, agent.Execute(context.Background(), "a", nil).Success)
		assert.False(t, agent.Execute(context.Background(), "b", nil).Success)
		assert.False(t, agent.Execute(context.Background(), "c", nil).Success)
		assert.Equal(t, []string{"a", "b", "c"}, agent.GetCalls())
	})

	t.Run("cancelled during delay", func(t *testing.T) {
		agent := NewMockAgent("nosql")
		agent.Delay = time.Second
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := agent.Execute(ctx, "x", nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "nosql failed")
	})
}

func TestMockLogger(t *testing.T) {
	logger := NewMockLogger()

	logger.Info("test message", "key", "value")
	logger.Error("error message", "error", "something")

	logs := logger.GetLogs()
	assert.Len(t, logs, 2)
	assert.Equal(t, "info", logs[0].Level)
	assert.Equal(t, "value", logs[0].Fields["key"])
	assert.Equal(t, "error", logs[1].Level)
	assert.True(t, logger.HasLog("info", "test message"))
	assert.True(t, logger.HasLog("error", "error message"))
}

func TestNewTestConfig(t *testing.T) {
	cfg := NewTestConfig()

	assert.Equal(t, 200*time.Millisecond, cfg.BackendTimeout())
	assert.Equal(t, time.Millisecond, cfg.BackendBackoff())
	assert.Equal(t, 3, cfg.RetryCeiling)
}

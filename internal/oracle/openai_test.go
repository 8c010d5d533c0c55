package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltaquant/persona-backtest/internal/logger"
	"github.com/voltaquant/persona-backtest/pkg/errors"
)

func fakeCompletionServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server
}

func completionResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:     "cmpl-1",
		Object: "chat.completion",
		Model:  "test-model",
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}
}

func newTestOracle(serverURL string) *OpenAIOracle {
	return NewOpenAIOracle(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    serverURL + "/v1",
		Model:      "test-model",
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	}, logger.NewNopLogger())
}

func TestDecideReturnsRawText(t *testing.T) {
	const reply = `{"action": "BUY", "ticker": "NVDA", "amount": 10, "confidence": 0.8}`

	server := fakeCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[0].Content, "You follow trends.")
		assert.Equal(t, "NVDA closed at 100 today.", req.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(completionResponse(reply)))
	})

	oracle := newTestOracle(server.URL)
	persona := Persona{Name: "momentum", Prompt: "You follow trends."}

	raw, err := oracle.Decide(context.Background(), persona, "NVDA closed at 100 today.")
	require.NoError(t, err)
	assert.Equal(t, reply, raw)
}

func TestDecideRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64

	server := fakeCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(completionResponse("HOLD")))
	})

	oracle := newTestOracle(server.URL)

	raw, err := oracle.Decide(context.Background(), Persona{Name: "p"}, "ctx")
	require.NoError(t, err)
	assert.Equal(t, "HOLD", raw)
	assert.Equal(t, int64(2), calls.Load())
}

func TestDecideExhaustsRetries(t *testing.T) {
	server := fakeCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusInternalServerError)
	})

	oracle := newTestOracle(server.URL)

	_, err := oracle.Decide(context.Background(), Persona{Name: "p"}, "ctx")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOracleUnavailable))
}

func TestDecideEmptyChoices(t *testing.T) {
	server := fakeCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:      "cmpl-2",
			Object:  "chat.completion",
			Choices: nil,
		}))
	})

	oracle := newTestOracle(server.URL)

	_, err := oracle.Decide(context.Background(), Persona{Name: "p"}, "ctx")
	require.Error(t, err)
}

func TestDecideCancelledContext(t *testing.T) {
	server := fakeCompletionServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(completionResponse("HOLD")))
	})

	oracle := newTestOracle(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := oracle.Decide(ctx, Persona{Name: "p"}, "ctx")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOracleTimeout))
}

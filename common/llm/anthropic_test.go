package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(&config.Anthropic{
		APIKey:    "test-key",
		Model:     "claude-test",
		BaseURL:   srv.URL,
		MaxTokens: 256,
		Timeout:   5 * time.Second,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestCompleteSendsMessagesRequest(t *testing.T) {
	var got messagesRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("Anthropic-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"  hello "},{"type":"text","text":"world"}],"stop_reason":"end_turn"}`))
	})

	text, err := c.Complete(context.Background(), Request{
		System:   "be brief",
		Prompt:   "caption this",
		ImageURL: "https://i.example.com/a.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	want := messagesRequest{
		Model:     "claude-test",
		MaxTokens: 256,
		System:    "be brief",
		Messages: []message{{
			Role: "user",
			Content: []content{
				{Type: "image", Source: &imageSource{Type: "url", URL: "https://i.example.com/a.jpg"}},
				{Type: "text", Text: "caption this"},
			},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestCompleteRetriesOverloaded(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			_, _ = w.Write([]byte(`{"error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	})

	text, err := c.Complete(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCompleteReturnsStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad model"}}`))
	})

	_, err := c.Complete(context.Background(), Request{Prompt: "x"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "bad model", statusErr.Message)
}

func TestCompleteEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	})

	_, err := c.Complete(context.Background(), Request{Prompt: "x"})
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(&config.Anthropic{Model: "m"}, nil)
	require.Error(t, err)
}

package collaborator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&Config{
		BaseURL: srv.URL + "/v1/",
		APIKey:  "sk-test",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}}},
		"usage":   map[string]any{"total_tokens": 42},
	})
}

// sentRequest is the wire shape of the request the client sends
type sentRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

var payload = domain.JobPayload{
	SubmitterID: "user-1",
	ImageURL:    "https://cdn.example.com/mug.png",
	Title:       "Blue mug",
	Channel:     "Etsy",
	Lang:        "auto",
}

func TestAnalyzeSuccess(t *testing.T) {
	var got sentRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(w, `{"title":"Handmade Blue Ceramic Mug","seo_keywords":["mug"],"etsy_tags":["ceramic"],"description":"A mug."}`)
	})

	out, err := client.Analyze(context.Background(), payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Handmade Blue Ceramic Mug","seo_keywords":["mug"],"etsy_tags":["ceramic"],"description":"A mug."}`, string(out))

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Contains(t, string(got.Messages[1].Content), `"image_url"`)
	assert.Contains(t, string(got.Messages[1].Content), "https://cdn.example.com/mug.png")
}

func TestAnalyzeErrors(t *testing.T) {
	const apiError = `{"error":{"message":"nope","type":"invalid_request_error"}}`

	tests := []struct {
		name       string
		status     int
		body       string
		content    string
		upstream   bool
		wantTarget error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: apiError, upstream: true},
		{name: "server error", status: http.StatusBadGateway, body: apiError, upstream: true},
		{name: "gateway page", status: http.StatusServiceUnavailable, body: "<html>down</html>", upstream: true},
		{name: "bad request", status: http.StatusBadRequest, body: apiError, wantTarget: domain.ErrRejected},
		{name: "unauthorized", status: http.StatusUnauthorized, body: apiError, wantTarget: domain.ErrRejected},
		{name: "not json", status: http.StatusOK, content: "sure, here it is", wantTarget: ErrMalformedOutput},
		{name: "missing fields", status: http.StatusOK, content: `{"title":"x"}`, wantTarget: ErrMalformedOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.status != http.StatusOK {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(tt.body))
					return
				}
				reply(w, tt.content)
			})

			_, err := client.Analyze(context.Background(), payload)
			require.Error(t, err)
			assert.Equal(t, tt.upstream, domain.IsUpstream(err), err.Error())
			if tt.wantTarget != nil {
				assert.ErrorIs(t, err, tt.wantTarget)
			}
		})
	}
}

func TestBuildRequestMentionsOverrides(t *testing.T) {
	c := NewClient(&Config{BaseURL: "http://x", Logger: slog.Default()})
	req := c.buildRequest(domain.JobPayload{
		ImageURL: "https://cdn.example.com/a.png",
		Channel:  "Amazon",
		Lang:     "de",
	})

	parts := req.Messages[1].MultiContent
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].Text, "Target marketplace: Amazon")
	assert.Contains(t, parts[0].Text, "language: de")
	assert.Equal(t, "https://cdn.example.com/a.png", parts[1].ImageURL.URL)
}

func TestAnalyzeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewClient(&Config{BaseURL: srv.URL, APIKey: "sk-test", Logger: slog.Default()})
	_, err := client.Analyze(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, domain.IsUpstream(err))
}

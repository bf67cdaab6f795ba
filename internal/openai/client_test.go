package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storybook-ai/storybook-engine/internal/imaging"
)

// providerStub fakes the chat and image endpoints plus the result-image CDN.
type providerStub struct {
	t *testing.T

	chatResponse  string
	imageStatuses []int // per-fetch statuses for the generated image URL
	fetchCalls    int

	lastChatRequest  *ChatRequest
	lastImageRequest *ImageRequest
	lastAuthHeader   string
}

func (s *providerStub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		s.lastAuthHeader = r.Header.Get("Authorization")
		assert.Equal(s.t, "application/json", r.Header.Get("Content-Type"))

		var req ChatRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		s.lastChatRequest = &req

		resp := ChatResponse{
			ID: "chatcmpl-test",
			Choices: []Choice{{
				Message:      ChoiceMessage{Role: "assistant", Content: s.chatResponse},
				FinishReason: "stop",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		s.lastAuthHeader = r.Header.Get("Authorization")

		var req ImageRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		s.lastImageRequest = &req

		json.NewEncoder(w).Encode(ImageResponse{
			Data: []ImageData{{URL: "http://" + r.Host + "/generated.png"}},
		})
	})

	mux.HandleFunc("/generated.png", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if s.fetchCalls < len(s.imageStatuses) {
			status = s.imageStatuses[s.fetchCalls]
		}
		s.fetchCalls++

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		require.NoError(s.t, png.Encode(w, imaging.Placeholder(4)))
	})

	return mux
}

func newTestClient(t *testing.T, stub *providerStub) *Client {
	t.Helper()

	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	return NewClient(Config{
		APIKey:            "test-key",
		BaseURL:           server.URL + "/v1",
		ImageFetchRetries: 1,
	})
}

func writeTestPhoto(t *testing.T) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, imaging.Placeholder(4)))

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestClient_AnalyzeImage(t *testing.T) {
	stub := &providerStub{t: t, chatResponse: "A 5-year-old girl with brown curly hair"}
	client := newTestClient(t, stub)

	desc, err := client.AnalyzeImage(context.Background(), writeTestPhoto(t))
	require.NoError(t, err)
	assert.Equal(t, "A 5-year-old girl with brown curly hair", desc)

	assert.Equal(t, "Bearer test-key", stub.lastAuthHeader)

	req := stub.lastChatRequest
	require.NotNil(t, req)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 200, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Content, 2)
	assert.Equal(t, "text", req.Messages[0].Content[0].Type)
	assert.Contains(t, req.Messages[0].Content[0].Text, "hair color and style")

	imagePart := req.Messages[0].Content[1]
	assert.Equal(t, "image_url", imagePart.Type)
	require.NotNil(t, imagePart.ImageURL)
	assert.True(t, strings.HasPrefix(imagePart.ImageURL.URL, "data:image/png;base64,"))
}

func TestClient_AnalyzeImage_MissingFile(t *testing.T) {
	client := newTestClient(t, &providerStub{t: t})

	_, err := client.AnalyzeImage(context.Background(), filepath.Join(t.TempDir(), "nope.png"))
	assert.Error(t, err)
}

func TestClient_GenerateStory(t *testing.T) {
	stub := &providerStub{t: t, chatResponse: `{"story_title":"X","pages":[]}`}
	client := newTestClient(t, stub)

	raw, err := client.GenerateStory(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"story_title":"X","pages":[]}`, raw)

	req := stub.lastChatRequest
	require.NotNil(t, req)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
}

func TestClient_GenerateImage(t *testing.T) {
	stub := &providerStub{t: t}
	client := newTestClient(t, stub)

	img, err := client.GenerateImage(context.Background(), "a friendly forest")
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	req := stub.lastImageRequest
	require.NotNil(t, req)
	assert.Equal(t, "dall-e-3", req.Model)
	assert.Equal(t, "1024x1024", req.Size)
	assert.Equal(t, "standard", req.Quality)
	assert.Equal(t, 1, req.N)
	assert.Equal(t, "a friendly forest", req.Prompt)
}

func TestClient_GenerateImage_TruncatesLongPrompt(t *testing.T) {
	stub := &providerStub{t: t}
	client := newTestClient(t, stub)

	long := strings.Repeat("x", 1500)
	_, err := client.GenerateImage(context.Background(), long)
	require.NoError(t, err)

	require.NotNil(t, stub.lastImageRequest)
	assert.Len(t, stub.lastImageRequest.Prompt, maxImagePromptLen)

	// Multi-byte prompts truncate on rune boundaries, not bytes.
	_, err = client.GenerateImage(context.Background(), strings.Repeat("ü", 1500))
	require.NoError(t, err)
	sent := stub.lastImageRequest.Prompt
	assert.True(t, utf8.ValidString(sent))
	assert.Equal(t, maxImagePromptLen, utf8.RuneCountInString(sent))
}

func TestClient_GenerateImage_FetchFailure(t *testing.T) {
	stub := &providerStub{t: t, imageStatuses: []int{http.StatusForbidden}}
	client := newTestClient(t, stub)

	_, err := client.GenerateImage(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch generated image")
	assert.Equal(t, 1, stub.fetchCalls)
}

func TestClient_ChatErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "k", BaseURL: server.URL})

	_, err := client.GenerateStory(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(Config{APIKey: "k"})

	assert.Equal(t, defaultBaseURL, client.baseURL)
	assert.Equal(t, defaultChatModel, client.chatModel)
	assert.Equal(t, defaultImageModel, client.imageModel)
	assert.Equal(t, defaultImageSize, client.imageSize)
	assert.Equal(t, 3, client.imageFetchRetries)
}

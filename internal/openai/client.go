// Package openai is the generative-AI provider client: vision analysis and
// story generation over the chat completions endpoint, page illustration
// over the images endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/storybook-ai/storybook-engine/internal/imaging"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultChatModel  = "gpt-4o"
	defaultImageModel = "dall-e-3"
	defaultImageSize  = "1024x1024"

	// maxImagePromptLen is the provider-side prompt ceiling for image
	// generation.
	maxImagePromptLen = 1000
)

// Config holds provider client configuration.
type Config struct {
	APIKey            string
	BaseURL           string
	ChatModel         string
	ImageModel        string
	ImageSize         string
	RequestTimeout    time.Duration
	ImageFetchRetries int
}

// Client handles communication with the provider API.
type Client struct {
	apiKey            string
	baseURL           string
	chatModel         string
	imageModel        string
	imageSize         string
	imageFetchRetries int
	httpClient        *http.Client
}

// NewClient creates a new provider client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = defaultImageModel
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = defaultImageSize
	}
	if cfg.ImageFetchRetries < 1 {
		cfg.ImageFetchRetries = 3
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}

	return &Client{
		apiKey:            cfg.APIKey,
		baseURL:           cfg.BaseURL,
		chatModel:         cfg.ChatModel,
		imageModel:        cfg.ImageModel,
		imageSize:         cfg.ImageSize,
		imageFetchRetries: cfg.ImageFetchRetries,
		httpClient:        &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Message represents a chat message.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image).
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message.
type ImageURL struct {
	URL string `json:"url"`
}

// ResponseFormat constrains the model's output format.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest represents the chat completions request structure.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ChatResponse represents the chat completions response structure.
type ChatResponse struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice.
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage is the message payload of a choice.
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ImageRequest represents the image generation request structure.
type ImageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	N       int    `json:"n"`
}

// ImageResponse represents the image generation response structure.
type ImageResponse struct {
	Data []ImageData `json:"data"`
}

// ImageData is one generated image reference.
type ImageData struct {
	URL string `json:"url"`
}

const analysisPrompt = "Describe this child's appearance in detail, including: hair color and style, " +
	"eye color, skin tone, facial features, and any distinctive characteristics. Be specific and " +
	"consistent. Format as: 'A [age]-year-old [gender] with [hair description], [eye color] eyes, " +
	"[skin tone], and [other features]."

// AnalyzeImage sends the uploaded photo to the vision model and returns the
// character description.
func (c *Client) AnalyzeImage(ctx context.Context, imagePath string) (string, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	format, err := imaging.Sniff(imageData)
	if err != nil {
		return "", fmt.Errorf("sniff image: %w", err)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s",
		imaging.MIMEType(format), base64.StdEncoding.EncodeToString(imageData))

	req := &ChatRequest{
		Model: c.chatModel,
		Messages: []Message{{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: analysisPrompt},
				{Type: "image_url", ImageURL: &ImageURL{URL: dataURL}},
			},
		}},
		MaxTokens: 200,
	}

	resp, err := c.chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp, nil
}

// GenerateStory sends the outline prompt in JSON mode and returns the raw
// model output. Parsing and fallback policy live with the caller.
func (c *Client) GenerateStory(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := &ChatRequest{
		Model: c.chatModel,
		Messages: []Message{
			{Role: "system", Content: []ContentPart{{Type: "text", Text: systemPrompt}}},
			{Role: "user", Content: []ContentPart{{Type: "text", Text: userPrompt}}},
		},
		Temperature:    0.7,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}

	return c.chat(ctx, req)
}

// GenerateImage generates one square illustration for the given prompt and
// returns the decoded image. The result URL is fetched with exponential
// backoff.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (image.Image, error) {
	if r := []rune(prompt); len(r) > maxImagePromptLen {
		prompt = string(r[:maxImagePromptLen])
	}

	req := &ImageRequest{
		Model:   c.imageModel,
		Prompt:  prompt,
		Size:    c.imageSize,
		Quality: "standard",
		N:       1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	respBody, err := c.post(ctx, "/images/generations", body)
	if err != nil {
		return nil, err
	}

	var imgResp ImageResponse
	if err := json.Unmarshal(respBody, &imgResp); err != nil {
		return nil, fmt.Errorf("parse image response: %w", err)
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].URL == "" {
		return nil, fmt.Errorf("image response has no result URL")
	}

	return c.fetchImage(ctx, imgResp.Data[0].URL)
}

// chat sends a chat completions request and returns the first choice content.
func (c *Client) chat(ctx context.Context, req *ChatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	respBody, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parse chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in chat response")
	}

	return chatResp.Choices[0].Message.Content, nil
}

// post sends an authorized JSON request to the provider.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// fetchImage downloads and decodes a generated image, retrying transient
// failures with exponential backoff.
func (c *Client) fetchImage(ctx context.Context, url string) (image.Image, error) {
	var lastErr error

	for attempt := 0; attempt < c.imageFetchRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 2 * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		img, err := c.fetchImageOnce(ctx, url)
		if err == nil {
			return img, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("fetch generated image: %w", lastErr)
}

func (c *Client) fetchImageOnce(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode generated image: %w", err)
	}
	return img, nil
}

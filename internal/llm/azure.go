package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chadiek/voice-checkout/internal/catalog"
)

const (
	DefaultAPIVersion  = "2024-12-01-preview"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 800
)

// ErrNotConfigured is returned by Generate when the endpoint or key is missing.
var ErrNotConfigured = errors.New("chat endpoint not configured")

// Message is one chat turn. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AzureChatClient is the turn-based text assistant.
type AzureChatClient struct {
	HTTPClient   *http.Client
	Endpoint     string
	APIKey       string
	Deployment   string
	APIVersion   string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

type chatCompletionsRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewAzureChatClient(endpoint, apiKey, deployment string) *AzureChatClient {
	return &AzureChatClient{
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		Endpoint:     endpoint,
		APIKey:       apiKey,
		Deployment:   deployment,
		APIVersion:   DefaultAPIVersion,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
		SystemPrompt: catalog.ChatSystemPrompt(),
	}
}

// BaseEndpoint strips an AI Foundry project suffix ("/api/projects/...") and
// trailing slashes, leaving the resource root.
func BaseEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if i := strings.Index(endpoint, "/api/projects/"); i >= 0 {
		endpoint = endpoint[:i]
	}
	return strings.TrimRight(endpoint, "/")
}

func (c *AzureChatClient) completionsURL() string {
	q := url.Values{}
	q.Set("api-version", c.APIVersion)
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?%s",
		BaseEndpoint(c.Endpoint), url.PathEscape(c.Deployment), q.Encode())
}

// Generate sends the system prompt plus history and returns the assistant reply.
func (c *AzureChatClient) Generate(ctx context.Context, history []Message) (string, error) {
	if c.APIKey == "" || BaseEndpoint(c.Endpoint) == "" {
		return "", ErrNotConfigured
	}
	if len(history) == 0 {
		return "", fmt.Errorf("chat: empty history")
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: "system", Content: c.SystemPrompt})
	messages = append(messages, history...)

	reqBody, _ := json.Marshal(chatCompletionsRequest{
		Messages:    messages,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL(), bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("api-key", c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("chat: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

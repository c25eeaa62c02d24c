package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// ollamaClient is a minimal, OpenAI-compatible-endpoint ModelClient for a single
// Ollama-style server, using the same /v1/chat/completions request/response
// shape most local model runners expose. delegate.ModelClient is an external
// collaborator — the engine is built only against the interface — so this is
// reference wiring for cmd/delegated, not an engine component; a real embedder
// is free to swap in any other implementation.
type ollamaClient struct {
	endpoint string
	http     *http.Client
}

func newOllamaClient(endpoint string) *ollamaClient {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &ollamaClient{endpoint: endpoint, http: &http.Client{Timeout: 5 * time.Minute}}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *ollamaClient) Chat(ctx context.Context, model string, messages []delegate.ChatMessage, opts delegate.ChatOptions) (string, string, delegate.TokenUsage, error) {
	wire := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role == "tool" {
			role = "user" // plain chat endpoint has no tool role; fold into user turn
		}
		wire = append(wire, chatMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: wire, Stream: false})
	if err != nil {
		return "", "", delegate.TokenUsage{}, fmt.Errorf("ollama client: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", "", delegate.TokenUsage{}, fmt.Errorf("ollama client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", delegate.TokenUsage{}, fmt.Errorf("ollama client: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", "", delegate.TokenUsage{}, fmt.Errorf("ollama client: status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", delegate.TokenUsage{}, fmt.Errorf("ollama client: decode response: %w", err)
	}

	text, finish := "", ""
	if len(decoded.Choices) > 0 {
		text = decoded.Choices[0].Message.Content
		finish = decoded.Choices[0].FinishReason
	}
	usage := delegate.TokenUsage{
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		TotalTokens:      decoded.Usage.TotalTokens,
	}
	return text, finish, usage, nil
}

func (c *ollamaClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama client: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama client: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama client: status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("ollama client: decode response: %w", err)
	}
	names := make([]string, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAICompatProvider speaks the OpenAI chat-completions wire format.
// It is a single generic connector covering every OpenAI-wire-compatible
// endpoint (OpenAI, Together, Groq, Mistral, Ollama, vLLM) — they differ
// only in base URL and auth header, which this type takes as constructor
// parameters instead of duplicating the marshal/unmarshal logic per vendor.
type OpenAICompatProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewOpenAICompatProvider(name, apiKey, baseURL string, timeout time.Duration) *OpenAICompatProvider {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAICompatProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (p *OpenAICompatProvider) Name() string { return p.name }

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAICompatProvider) Complete(ctx context.Context, req Request) (Response, error) {
	var messages []openAIChatMessage
	if req.System != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: req.Prompt})

	oReq := openAIChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	body, err := json.Marshal(oReq)
	if err != nil {
		return Response{}, fmt.Errorf("llm/%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("llm/%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("llm/%s: call: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("llm/%s: read body: %w", p.name, err)
	}
	var oResp openAIChatResponse
	if err := json.Unmarshal(raw, &oResp); err != nil {
		return Response{}, fmt.Errorf("llm/%s: decode response: %w", p.name, err)
	}
	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if oResp.Error != nil {
			msg = oResp.Error.Message
		}
		return Response{}, fmt.Errorf("llm/%s: %s", p.name, msg)
	}
	if len(oResp.Choices) == 0 {
		return Response{}, fmt.Errorf("llm/%s: empty choices", p.name)
	}

	return Response{
		Text: oResp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     oResp.Usage.PromptTokens,
			CompletionTokens: oResp.Usage.CompletionTokens,
		},
	}, nil
}

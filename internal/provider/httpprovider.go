package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider implements Provider against an OpenAI-compatible HTTP
// surface (LM Studio, Ollama's OpenAI shim, vLLM, etc.), generalizing the
// teacher's LMStudioEmbedding (embeddings-only) to also cover
// /chat/completions, with the same client/timeout shape.
type HTTPProvider struct {
	baseURL        string
	chatModel      string
	embeddingModel string
	client         *http.Client
	dimensions     int

	inputCostPerToken  float64
	outputCostPerToken float64
}

// NewHTTPProvider builds an HTTPProvider. costPerToken rates are
// provider-specific and left to the caller (zero is a valid "free/local
// model" default, matching the teacher's LM Studio use case).
func NewHTTPProvider(baseURL, chatModel, embeddingModel string, inputCostPerToken, outputCostPerToken float64) *HTTPProvider {
	return &HTTPProvider{
		baseURL:        baseURL,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		dimensions:         1536,
		inputCostPerToken:  inputCostPerToken,
		outputCostPerToken: outputCostPerToken,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *HTTPProvider) Generate(ctx context.Context, prompt string) (GenerateResult, error) {
	req := chatRequest{
		Model: p.chatModel,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("call chat completions API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return GenerateResult{}, fmt.Errorf("chat completions API error: %s - %s", resp.Status, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return GenerateResult{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("no completion returned")
	}

	cost := float64(chatResp.Usage.PromptTokens)*p.inputCostPerToken + float64(chatResp.Usage.CompletionTokens)*p.outputCostPerToken

	return GenerateResult{
		Text:         chatResp.Choices[0].Message.Content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		Cost:         cost,
	}, nil
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	req := embeddingRequest{
		Input: text,
		Model: p.embeddingModel,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call embedding API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API error: %s - %s", resp.Status, string(respBody))
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	embedding := embResp.Data[0].Embedding
	p.dimensions = len(embedding)

	return embedding, nil
}

func (p *HTTPProvider) Dimensions() int {
	return p.dimensions
}

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/domasles/echotuner/internal/config"
)

const defaultProbeTimeout = 5 * time.Second

// OpenAIProvider talks to any OpenAI-compatible backend (OpenAI, OpenRouter,
// Ollama, ...) via /chat/completions and /embeddings.
type OpenAIProvider struct {
	name            string
	endpoint        string
	generationModel string
	embeddingModel  string
	headers         map[string]string
	maxTokens       int
	temperature     float64
	httpClient      *http.Client
	probeClient     *http.Client
}

// NewOpenAIProvider builds a provider from its immutable configuration.
func NewOpenAIProvider(cfg config.ProviderConfig, probeTimeout time.Duration) *OpenAIProvider {
	return NewOpenAIProviderWithClient(cfg, probeTimeout, nil)
}

// NewOpenAIProviderWithClient allows injecting the HTTP client (tests).
func NewOpenAIProviderWithClient(cfg config.ProviderConfig, probeTimeout time.Duration, httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &OpenAIProvider{
		name:            cfg.Name,
		endpoint:        cfg.Endpoint,
		generationModel: cfg.GenerationModel,
		embeddingModel:  cfg.EmbeddingModel,
		headers:         headers,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
		httpClient:      httpClient,
		probeClient:     &http.Client{Timeout: probeTimeout},
	}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// GenerationModel returns the model used for text generation.
func (p *OpenAIProvider) GenerationModel() string {
	return p.generationModel
}

// GenerateText implements Provider via the chat/completions endpoint.
func (p *OpenAIProvider) GenerateText(ctx context.Context, prompt string, opts Options) (string, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}

	payload := map[string]any{
		"model":       p.generationModel,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := p.post(ctx, "/chat/completions", payload, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", &ProviderError{Provider: p.name, Err: fmt.Errorf("response contains no choices")}
	}
	return response.Choices[0].Message.Content, nil
}

// Embed implements Provider via the embeddings endpoint, when configured.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	if p.embeddingModel == "" {
		return nil, ErrEmbeddingUnsupported
	}

	payload := map[string]any{
		"model": p.embeddingModel,
		"input": text,
	}

	var response struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := p.post(ctx, "/embeddings", payload, &response); err != nil {
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, &ProviderError{Provider: p.name, Err: fmt.Errorf("response contains no embeddings")}
	}
	return response.Data[0].Embedding, nil
}

// TestAvailability probes the models listing with a short timeout.
func (p *OpenAIProvider) TestAvailability(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/models", nil)
	if err != nil {
		return &ProviderError{Provider: p.name, Err: err}
	}
	p.applyHeaders(req)

	resp, err := p.probeClient.Do(req)
	if err != nil {
		return &ProviderError{Provider: p.name, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Provider: p.name, Err: fmt.Errorf("probe returned status %d", resp.StatusCode)}
	}
	return nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &ProviderError{Provider: p.name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Provider: p.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	p.applyHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Provider: p.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Provider: p.name, Err: fmt.Errorf("%s returned status %d", path, resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &ProviderError{Provider: p.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (p *OpenAIProvider) applyHeaders(req *http.Request) {
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
}

package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// LLM abstracts the model endpoint for swappability in tests.
type LLM interface {
	// Complete sends a prompt and returns the full JSON-mode response.
	Complete(ctx context.Context, prompt string) (string, error)
}

// OllamaClient implements LLM against a local Ollama server.
type OllamaClient struct {
	client      *api.Client
	model       string
	temperature float64
}

// NewOllamaClient creates a client for the given server, model, and
// sampling temperature.
func NewOllamaClient(serverURL, model string, temperature float64) (*OllamaClient, error) {
	if serverURL == "" {
		serverURL = "http://localhost:11434"
	}
	// Prepend scheme if missing so url.Parse produces a valid host.
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}
	return &OllamaClient{
		client:      api.NewClient(u, &http.Client{}),
		model:       model,
		temperature: temperature,
	}, nil
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string {
	return o.model
}

func (o *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	var sb strings.Builder
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Format: json.RawMessage(`"json"`),
		Stream: new(bool), // non-nil false = non-streaming
		Options: map[string]any{
			"temperature": o.temperature,
		},
	}

	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return sb.String(), nil
}

package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OllamaClient streams generations from an Ollama-compatible endpoint.
type OllamaClient struct {
	baseURL string
	client  *http.Client
}

// NewOllamaClient creates a client for the given base URL.
func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL: baseURL,
		// No overall timeout: generations are long-lived and cancelled via
		// the request context instead.
		client: &http.Client{Timeout: 0},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaStreamLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate opens a streaming generation. The returned Stream yields one
// increment per NDJSON line until the upstream reports done.
func (c *OllamaClient) Generate(ctx context.Context, persona Persona, query string) (Stream, error) {
	reqBody, err := json.Marshal(ollamaRequest{
		Model:  persona.Model,
		System: persona.Prompt,
		Prompt: query,
		Stream: true,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("generation endpoint returned status %d", resp.StatusCode)
	}

	return &ollamaStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

// ollamaStream adapts the NDJSON response body to the Stream interface.
type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *ollamaStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		var line ollamaStreamLine
		if err := json.Unmarshal(s.scanner.Bytes(), &line); err != nil {
			// Skip malformed keep-alive lines.
			continue
		}
		if line.Error != "" {
			s.done = true
			return "", fmt.Errorf("upstream: %s", line.Error)
		}
		if line.Done {
			s.done = true
			if line.Response == "" {
				return "", io.EOF
			}
			return line.Response, nil
		}
		return line.Response, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}
	return "", io.EOF
}

func (s *ollamaStream) Close() error {
	s.done = true
	return s.body.Close()
}

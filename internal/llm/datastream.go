package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 4 << 10

// DataStreamProvider talks to an endpoint that answers with a
// line-oriented data stream (`0:"text"`, `e:{...}`, `d:{...}`)
type DataStreamProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	keys       KeyFunc
}

// Option configures a DataStreamProvider
type Option func(*DataStreamProvider)

func WithBaseURL(baseURL string) Option {
	return func(p *DataStreamProvider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *DataStreamProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

func WithModel(model string) Option {
	return func(p *DataStreamProvider) {
		p.model = model
	}
}

func NewDataStreamProvider(keys KeyFunc, opts ...Option) *DataStreamProvider {
	p := &DataStreamProvider{
		httpClient: http.DefaultClient,
		keys:       keys,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *DataStreamProvider) Name() string { return "datastream" }

func (p *DataStreamProvider) CheckCredential(ctx context.Context) error {
	_, err := resolveKey(ctx, p.keys)
	return err
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Image    string `json:"image,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func buildChatRequest(model string, prompt Prompt) chatRequest {
	parts := []contentPart{{Type: "text", Text: prompt.Text}}
	if prompt.Image != nil {
		parts = append(parts, contentPart{
			Type:     "image",
			Image:    base64.StdEncoding.EncodeToString(prompt.Image.Data),
			MimeType: prompt.Image.MediaType,
		})
	}
	return chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: parts}},
		Stream:   true,
	}
}

// Stream posts the prompt and returns the response body as frames.
// The body stays open until the returned stream is closed.
func (p *DataStreamProvider) Stream(ctx context.Context, prompt Prompt) (FrameStream, error) {
	key, err := resolveKey(ctx, p.keys)
	if err != nil {
		return nil, err
	}
	if p.baseURL == "" {
		return nil, fmt.Errorf("model API base URL is not configured")
	}

	payload, err := json.Marshal(buildChatRequest(p.model, prompt))
	if err != nil {
		return nil, fmt.Errorf("encode model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return NewLineStream(resp.Body), nil
}

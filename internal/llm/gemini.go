package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"

	"google.golang.org/genai"
)

// GeminiProvider streams replies through the Gemini API. Every text
// chunk becomes a content frame.
type GeminiProvider struct {
	model      string
	keys       KeyFunc
	httpClient *http.Client
}

func NewGeminiProvider(keys KeyFunc, model string, httpClient *http.Client) *GeminiProvider {
	return &GeminiProvider{model: model, keys: keys, httpClient: httpClient}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) CheckCredential(ctx context.Context) error {
	_, err := resolveKey(ctx, p.keys)
	return err
}

func (p *GeminiProvider) Stream(ctx context.Context, prompt Prompt) (FrameStream, error) {
	key, err := resolveKey(ctx, p.keys)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt.Text)}
	if prompt.Image != nil {
		parts = append(parts, genai.NewPartFromBytes(prompt.Image.Data, prompt.Image.MediaType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	next, stop := iter.Pull2(client.Models.GenerateContentStream(ctx, p.model, contents, nil))
	stream := &geminiStream{next: next, stop: stop}

	// the request is only sent on the first pull; surface its failure
	// before the caller starts streaming
	if err := stream.prime(); err != nil {
		stop()
		return nil, err
	}
	return stream, nil
}

type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending *Frame
	done    bool
}

func (s *geminiStream) prime() error {
	frame, err := s.pull()
	if err == io.EOF {
		s.done = true
		return nil
	}
	if err != nil {
		return mapGeminiError(err)
	}
	s.pending = &frame
	return nil
}

func (s *geminiStream) pull() (Frame, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return Frame{}, io.EOF
		}
		if err != nil {
			return Frame{}, err
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			return Frame{Kind: FrameContent, Text: text}, nil
		}
	}
}

func (s *geminiStream) Next() (Frame, error) {
	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}
	if s.done {
		return Frame{}, io.EOF
	}
	frame, err := s.pull()
	if err == io.EOF {
		s.done = true
	}
	return frame, err
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPStatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	return err
}

// Package llm adapts the Gemini API to the stream.Source interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/stream"
)

// responseIterator is the part of *genai.GenerateContentResponseIterator the
// adapter uses.
type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

type openFunc func(ctx context.Context, model string, history []*genai.Content, parts ...genai.Part) responseIterator

// GeminiSource streams completions from Gemini.
type GeminiSource struct {
	client *genai.Client
	open   openFunc
}

var _ stream.Source = (*GeminiSource)(nil)

func NewGeminiSource(ctx context.Context, apiKey string) (*GeminiSource, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	s := &GeminiSource{client: client}
	s.open = func(ctx context.Context, model string, history []*genai.Content, parts ...genai.Part) responseIterator {
		session := client.GenerativeModel(model).StartChat()
		session.History = history
		return session.SendMessageStream(ctx, parts...)
	}
	return s, nil
}

func (s *GeminiSource) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		log.Printf("Error closing GenAI client: %v", err)
	} else {
		log.Println("GenAI client closed.")
	}
}

// Stream sends the request's last message with the earlier ones as history.
// The last message must come from the user.
func (s *GeminiSource) Stream(ctx context.Context, req chat.Request) (stream.Stream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("prompt history is empty for chat completion")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != chat.RoleUser {
		return nil, errors.New("last message in history is not from 'user', cannot proceed with chat completion")
	}

	history := make([]*genai.Content, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		history = append(history, &genai.Content{
			Role:  geminiRole(m.Role),
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	it := s.open(ctx, req.Model, history, genai.Text(last.Content))
	return &geminiStream{it: it, cancel: cancel}, nil
}

func geminiRole(r chat.Role) string {
	if r == chat.RoleAssistant {
		return "model"
	}
	return "user"
}

type geminiStream struct {
	it      responseIterator
	cancel  context.CancelFunc
	pending []stream.Fragment
}

func (s *geminiStream) Next() (stream.Fragment, error) {
	for len(s.pending) == 0 {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("gemini stream failed: %w", err)
		}
		s.pending = fragmentsOf(resp)
	}
	f := s.pending[0]
	s.pending = s.pending[1:]
	return f, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}

// fragmentsOf maps the first candidate's parts onto fragments. Parts with no
// fragment equivalent are logged and dropped.
func fragmentsOf(resp *genai.GenerateContentResponse) []stream.Fragment {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var frags []stream.Fragment
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if p != "" {
				frags = append(frags, stream.Text{Content: string(p)})
			}
		case genai.Blob:
			frags = append(frags, stream.Media{MediaKind: stream.MediaKindFor(p.MIMEType), MIMEType: p.MIMEType, Data: p.Data})
		case genai.FileData:
			frags = append(frags, stream.Media{MediaKind: stream.MediaKindFor(p.MIMEType), MIMEType: p.MIMEType, URI: p.URI})
		default:
			log.Printf("Gemini response part was not streamable: %T", part)
		}
	}
	return frags
}

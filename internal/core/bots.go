package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gwi.com/chatcore/internal/config"
	"gwi.com/chatcore/internal/stream"
)

// BotService turns a prompt into a running delta stream for one bot.
type BotService interface {
	Info() config.Bot
	Stream(ctx context.Context, p Prompt, target stream.Target, onDelta stream.DeltaFunc) (*stream.Handle, error)
	Close() error
}

// httpBot covers the providers that speak chat-completion SSE over HTTP.
// They differ only in how the request is built.
type httpBot struct {
	bot    config.Bot
	client *stream.Client
	build  func(b config.Bot, p Prompt) (stream.Request, error)
}

func (b *httpBot) Info() config.Bot { return b.bot }

func (b *httpBot) Stream(ctx context.Context, p Prompt, target stream.Target, onDelta stream.DeltaFunc) (*stream.Handle, error) {
	req, err := b.build(b.bot, p)
	if err != nil {
		return nil, err
	}
	return b.client.Start(ctx, req, target, onDelta)
}

func (b *httpBot) Close() error { return nil }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
}

func buildOpenAIRequest(b config.Bot, p Prompt) (stream.Request, error) {
	body := openAIRequest{Model: b.Model, Stream: true, Temperature: b.Temperature}
	if p.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: p.System})
	}
	for _, t := range p.History {
		body.Messages = append(body.Messages, chatMessage{Role: t.Role, Content: t.Text})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: p.Question})

	raw, err := json.Marshal(body)
	if err != nil {
		return stream.Request{}, fmt.Errorf("failed to marshal openai request: %w", err)
	}
	return stream.Request{
		URL:    strings.TrimRight(b.BaseURL, "/") + "/chat/completions",
		Method: http.MethodPost,
		Header: bearer(b.APIKey),
		Body:   raw,
	}, nil
}

type polestarRequest struct {
	BotID   int64         `json:"bot_id"`
	Prompt  string        `json:"prompt"`
	History []chatMessage `json:"history"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
}

func buildPolestarRequest(b config.Bot, p Prompt) (stream.Request, error) {
	body := polestarRequest{BotID: b.ID, Prompt: p.Question, System: p.System, Stream: true, History: []chatMessage{}}
	for _, t := range p.History {
		body.History = append(body.History, chatMessage{Role: t.Role, Content: t.Text})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return stream.Request{}, fmt.Errorf("failed to marshal polestar request: %w", err)
	}
	return stream.Request{
		URL:    strings.TrimRight(b.BaseURL, "/") + "/v1/chat/stream",
		Method: http.MethodPost,
		Header: bearer(b.APIKey),
		Body:   raw,
	}, nil
}

func bearer(key string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return h
}

// geminiBot streams through the Generative AI SDK instead of raw SSE.
type geminiBot struct {
	bot    config.Bot
	genai  *genai.Client
	client *stream.Client
}

func newGeminiBot(ctx context.Context, b config.Bot, client *stream.Client) (*geminiBot, error) {
	opts := []option.ClientOption{option.WithAPIKey(b.APIKey)}
	if b.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(b.BaseURL))
	}
	gc, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client for bot %d: %w", b.ID, err)
	}
	if b.Model == "" {
		b.Model = defaultGeminiModel
	}
	return &geminiBot{bot: b, genai: gc, client: client}, nil
}

func (b *geminiBot) Info() config.Bot { return b.bot }

func (b *geminiBot) Stream(ctx context.Context, p Prompt, target stream.Target, onDelta stream.DeltaFunc) (*stream.Handle, error) {
	m := b.genai.GenerativeModel(b.bot.Model)
	if p.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}
	if b.bot.Temperature != nil {
		m.SetTemperature(float32(*b.bot.Temperature))
	}

	session := m.StartChat()
	session.History = geminiHistory(p.History)

	ctx, cancel := context.WithCancel(ctx)
	it := session.SendMessageStream(ctx, genai.Text(p.Question))
	return b.client.Run(ctx, &geminiSource{it: it, cancel: cancel}, target, onDelta), nil
}

func (b *geminiBot) Close() error { return b.genai.Close() }

// geminiHistory maps turns to SDK roles. System turns have no SDK role and
// are sent as user text.
func geminiHistory(turns []Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == "assistant" {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Text)}})
	}
	return history
}

type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

// geminiSource adapts the SDK response iterator to a delta source.
type geminiSource struct {
	it     responseIterator
	cancel context.CancelFunc
}

func (s *geminiSource) Next() (string, error) {
	resp, err := s.it.Next()
	if err == iterator.Done {
		return "", io.EOF
	}
	if err != nil {
		return "", &stream.TransportError{Err: err}
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", &stream.ProtocolError{Reason: "gemini response has no candidates"}
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", nil
	}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return text.String(), nil
}

func (s *geminiSource) Close() error {
	s.cancel()
	return nil
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"gwi.com/chatcore/internal/config"
	"gwi.com/chatcore/internal/logging"
	"gwi.com/chatcore/internal/model"
	"gwi.com/chatcore/internal/stream"
)

func samplePrompt() Prompt {
	return Prompt{
		System:   "sys",
		History:  []Turn{{Role: "user", Text: "a"}, {Role: "assistant", Text: "b"}},
		Question: "c",
	}
}

func TestBuildOpenAIRequest(t *testing.T) {
	temp := 0.2
	b := config.Bot{ID: 1, Kind: config.BotOpenAI, Model: "gpt", BaseURL: "https://api.example.com/v1/", APIKey: "k", Temperature: &temp}

	req, err := buildOpenAIRequest(b, samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", req.URL)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "Bearer k", req.Header.Get("Authorization"))

	var body openAIRequest
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "gpt", body.Model)
	assert.True(t, body.Stream)
	require.NotNil(t, body.Temperature)
	assert.InDelta(t, 0.2, *body.Temperature, 1e-9)
	assert.Equal(t, []chatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "c"},
	}, body.Messages)
}

func TestBuildOpenAIRequestWithoutKeyOrSystem(t *testing.T) {
	req, err := buildOpenAIRequest(config.Bot{BaseURL: "http://local"}, Prompt{Question: "q"})
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &raw))
	assert.NotContains(t, raw, "temperature")
	assert.Len(t, raw["messages"], 1)
}

func TestBuildPolestarRequest(t *testing.T) {
	b := config.Bot{ID: 7, Kind: config.BotPolestar, BaseURL: "http://polestar", APIKey: "k"}

	req, err := buildPolestarRequest(b, samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, "http://polestar/v1/chat/stream", req.URL)

	var body polestarRequest
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, int64(7), body.BotID)
	assert.Equal(t, "c", body.Prompt)
	assert.Equal(t, "sys", body.System)
	assert.True(t, body.Stream)
	assert.Len(t, body.History, 2)

	req, err = buildPolestarRequest(b, Prompt{Question: "q"})
	require.NoError(t, err)
	assert.Contains(t, string(req.Body), `"history":[]`)
}

func TestGeminiHistoryRoles(t *testing.T) {
	h := geminiHistory([]Turn{{Role: "user", Text: "a"}, {Role: "assistant", Text: "b"}, {Role: "system", Text: "c"}})
	require.Len(t, h, 3)
	assert.Equal(t, "user", h[0].Role)
	assert.Equal(t, "model", h[1].Role)
	assert.Equal(t, "user", h[2].Role)
	assert.Equal(t, []genai.Part{genai.Text("b")}, h[1].Parts)
}

type fakeIterator struct {
	resps []*genai.GenerateContentResponse
	err   error
}

func (f *fakeIterator) Next() (*genai.GenerateContentResponse, error) {
	if len(f.resps) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, iterator.Done
	}
	r := f.resps[0]
	f.resps = f.resps[1:]
	return r, nil
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	c := &genai.Content{Role: "model"}
	for _, p := range parts {
		c.Parts = append(c.Parts, genai.Text(p))
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: c}}}
}

func TestGeminiSource(t *testing.T) {
	cancelled := false
	src := &geminiSource{
		it:     &fakeIterator{resps: []*genai.GenerateContentResponse{textResponse("He", "llo"), textResponse(" there")}},
		cancel: func() { cancelled = true },
	}

	got, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)
	got, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, " there", got)
	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, src.Close())
	assert.True(t, cancelled)
}

func TestGeminiSourceErrors(t *testing.T) {
	boom := errors.New("boom")
	src := &geminiSource{it: &fakeIterator{err: boom}, cancel: func() {}}
	_, err := src.Next()
	var te *stream.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, boom)

	src = &geminiSource{
		it:     &fakeIterator{resps: []*genai.GenerateContentResponse{{}}},
		cancel: func() {},
	}
	_, err = src.Next()
	var pe *stream.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestGeminiSourceThroughConsume(t *testing.T) {
	src := &geminiSource{
		it:     &fakeIterator{resps: []*genai.GenerateContentResponse{textResponse("a"), textResponse("b")}},
		cancel: func() {},
	}
	var out string
	err := stream.Consume(context.Background(), src, 1, func(d string) { out += d })
	require.NoError(t, err)
	assert.Equal(t, "ab", out)
}

func TestBuildPrompt(t *testing.T) {
	user := model.NewUserText("first")
	bot := model.NewMessage(model.BotRole(1), model.FulfilledText("answer"), model.MessageMeta{})
	image := model.NewMessage(model.BotRole(1), model.MsgContent{Body: model.ImageBody(model.ImageRef{}), Status: model.StatusFulfilled}, model.MessageMeta{})
	question := model.NewUserText("second")

	p, err := buildPrompt([]*model.Message{user, bot, image, question}, "sys")
	require.NoError(t, err)
	assert.Equal(t, "sys", p.System)
	assert.Equal(t, "second", p.Question)
	assert.Equal(t, []Turn{{Role: "user", Text: "first"}, {Role: "assistant", Text: "answer"}}, p.History)

	_, err = buildPrompt(nil, "")
	assert.ErrorIs(t, err, errNoQuestion)
	_, err = buildPrompt([]*model.Message{user, bot}, "")
	assert.ErrorIs(t, err, errNoQuestion)
}

func TestLLMServiceBots(t *testing.T) {
	client := stream.NewClient(http.DefaultClient, 0, logging.Discard())
	s, err := NewLLMService(context.Background(), []config.Bot{
		{ID: 5, Name: "b", Kind: config.BotPolestar, BaseURL: "http://p", APIKey: "secret"},
		{ID: 2, Name: "a", Kind: config.BotOpenAI, BaseURL: "http://o", APIKey: "secret"},
	}, client, logging.Discard())
	require.NoError(t, err)
	defer s.Close()

	id, err := s.DefaultBot()
	require.NoError(t, err)
	assert.Equal(t, model.BotID(5), id)

	bots := s.Bots()
	require.Len(t, bots, 2)
	assert.Equal(t, int64(2), bots[0].ID)
	assert.Empty(t, bots[0].APIKey)
	assert.Empty(t, bots[1].APIKey)

	_, err = s.Bot(9)
	assert.ErrorIs(t, err, ErrBotNotFound)
	_, err = s.Stream(context.Background(), 9, nil, stream.Target{}, nil)
	assert.ErrorIs(t, err, ErrBotNotFound)
	_, err = s.Stream(context.Background(), 2, nil, stream.Target{}, nil)
	assert.ErrorIs(t, err, errNoQuestion)
}

func TestLLMServiceEmptyAndUnknownKind(t *testing.T) {
	client := stream.NewClient(http.DefaultClient, 0, logging.Discard())
	s, err := NewLLMService(context.Background(), nil, client, logging.Discard())
	require.NoError(t, err)
	_, err = s.DefaultBot()
	assert.ErrorIs(t, err, ErrNoBots)

	_, err = NewLLMService(context.Background(), []config.Bot{{ID: 1, Kind: "nope"}}, client, logging.Discard())
	assert.ErrorContains(t, err, "unknown kind")
}

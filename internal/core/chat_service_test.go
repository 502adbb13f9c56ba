package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/chatcore/internal/config"
	"gwi.com/chatcore/internal/ids"
	"gwi.com/chatcore/internal/logging"
	"gwi.com/chatcore/internal/model"
	"gwi.com/chatcore/internal/persist"
	"gwi.com/chatcore/internal/stream"
)

func sseChunk(content string) string {
	return fmt.Sprintf(`{"object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`, content)
}

type requestLog struct {
	mu   sync.Mutex
	reqs []openAIRequest
}

func (l *requestLog) all() []openAIRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]openAIRequest(nil), l.reqs...)
}

// openAIServer serves one scripted SSE reply per request, in order. A
// reply frame "!abort" drops the connection.
func openAIServer(t *testing.T, replies ...[]string) (*httptest.Server, *requestLog) {
	t.Helper()
	var (
		n   atomic.Int32
		log requestLog
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body openAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		log.mu.Lock()
		log.reqs = append(log.reqs, body)
		log.mu.Unlock()

		i := int(n.Add(1)) - 1
		if i >= len(replies) {
			http.Error(w, "no more replies", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range replies[i] {
			if frame == "!abort" {
				panic(http.ErrAbortHandler)
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &log
}

func newTestChat(t *testing.T, db Persistence, srv *httptest.Server) *ChatService {
	t.Helper()
	client := stream.NewClient(srv.Client(), 0, logging.Discard())
	bots := []config.Bot{{ID: 1, Name: "gpt", Kind: config.BotOpenAI, Model: "m", BaseURL: srv.URL, APIKey: "sk-test", SystemPrompt: "be nice"}}
	llm, err := NewLLMService(context.Background(), bots, client, logging.Discard())
	require.NoError(t, err)
	svc := NewChatService(NewConversation(db, logging.Discard()), llm, logging.Discard())
	t.Cleanup(svc.Close)
	return svc
}

func TestAskStreamsReply(t *testing.T) {
	srv, reqs := openAIServer(t, []string{sseChunk("He"), sseChunk("llo"), sseChunk(" world"), "[DONE]"})
	db := newMemDB()
	svc := newTestChat(t, db, srv)
	conv := svc.Conversation()

	ch, err := conv.CreateChannel("c", nil, model.DefaultChannelConfig())
	require.NoError(t, err)
	userID, botID, err := svc.Ask(context.Background(), ch, "hi")
	require.NoError(t, err)
	svc.Wait()

	reply, err := conv.Message(ch, botID)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply.Current().Body.String())
	assert.Equal(t, model.StatusFulfilled, reply.Current().Status)
	assert.Equal(t, model.BotRole(1), reply.Role)
	require.NotNil(t, reply.Meta.ReplyID)
	assert.Equal(t, userID, *reply.Meta.ReplyID)

	assert.Equal(t, []persist.Kind{
		persist.KindAddChannel, persist.KindAddMessage, persist.KindAddMessage, persist.KindUpdateMessage,
	}, db.kinds())

	require.Len(t, reqs.all(), 1)
	req := reqs.all()[0]
	assert.True(t, req.Stream)
	assert.Equal(t, "m", req.Model)
	assert.Equal(t, []chatMessage{{Role: "system", Content: "be nice"}, {Role: "user", Content: "hi"}}, req.Messages)
	assert.Empty(t, svc.Active())
}

func TestRetryStreamsNewVariant(t *testing.T) {
	srv, reqs := openAIServer(t,
		[]string{sseChunk("first"), "[DONE]"},
		[]string{sseChunk("second"), "[DONE]"},
	)
	svc := newTestChat(t, newMemDB(), srv)
	conv := svc.Conversation()

	ch, err := conv.CreateChannel("c", nil, model.DefaultChannelConfig())
	require.NoError(t, err)
	_, botID, err := svc.Ask(context.Background(), ch, "question")
	require.NoError(t, err)
	svc.Wait()

	idx, err := svc.Retry(context.Background(), ch, botID)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	svc.Wait()

	reply, _ := conv.Message(ch, botID)
	assert.Equal(t, 1, reply.CurrentIndex)
	assert.Equal(t, "second", reply.Contents[1].Body.String())
	assert.Equal(t, model.StatusFulfilled, reply.Contents[1].Status)

	require.NoError(t, conv.SwitchContent(ch, botID, 0))
	reply, _ = conv.Message(ch, botID)
	assert.Equal(t, "first", reply.Current().Body.String())
	assert.Equal(t, model.StatusFulfilled, reply.Current().Status)

	// The retry is asked the same question, without the old answer.
	got := reqs.all()
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Messages, got[1].Messages)
}

func TestRetryRejectsUserMessage(t *testing.T) {
	srv, _ := openAIServer(t, []string{"[DONE]"})
	svc := newTestChat(t, newMemDB(), srv)
	ch, _ := svc.Conversation().CreateChannel("c", nil, model.DefaultChannelConfig())
	userID, _, err := svc.Ask(context.Background(), ch, "q")
	require.NoError(t, err)
	svc.Wait()

	_, err = svc.Retry(context.Background(), ch, userID)
	assert.ErrorIs(t, err, ErrNotBotMessage)
}

func TestAskTransportFailureRejects(t *testing.T) {
	srv, _ := openAIServer(t, []string{sseChunk("par"), "!abort"})
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	e := openEngine(t, path)
	svc := newTestChat(t, e, srv)

	ch, err := svc.Conversation().CreateChannel("c", nil, model.DefaultChannelConfig())
	require.NoError(t, err)
	_, botID, err := svc.Ask(ctx, ch, "hi")
	require.NoError(t, err)
	svc.Wait()

	reply, _ := svc.Conversation().Message(ch, botID)
	assert.Equal(t, "par", reply.Current().Body.String())
	assert.Equal(t, model.StatusRejected, reply.Current().Status)

	require.NoError(t, e.WaitIdle(ctx))
	msgs, err := e.QueryMessages(ctx, ch)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "par", msgs[1].Current().Body.String())
	assert.Equal(t, model.StatusRejected, msgs[1].Current().Status)
	require.NoError(t, e.Shutdown(ctx))
}

func TestAskHTTPErrorRejects(t *testing.T) {
	srv, _ := openAIServer(t)
	svc := newTestChat(t, newMemDB(), srv)
	ch, _ := svc.Conversation().CreateChannel("c", nil, model.DefaultChannelConfig())

	_, botID, err := svc.Ask(context.Background(), ch, "hi")
	require.NoError(t, err)
	svc.Wait()

	reply, _ := svc.Conversation().Message(ch, botID)
	assert.Equal(t, model.StatusRejected, reply.Current().Status)
	assert.Empty(t, reply.Current().Body.String())
}

func TestCancelLeavesContentReceiving(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", sseChunk("part"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	svc := newTestChat(t, newMemDB(), srv)
	conv := svc.Conversation()
	ch, _ := conv.CreateChannel("c", nil, model.DefaultChannelConfig())
	_, botID, err := svc.Ask(context.Background(), ch, "hi")
	require.NoError(t, err)

	target := stream.Target{ChannelID: ch, MessageID: botID, ContentIndex: 0}
	require.Eventually(t, func() bool {
		m, _ := conv.Message(ch, botID)
		return m.Current().Body.String() == "part" && len(svc.Active()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, svc.Cancel(target))
	svc.Wait()
	m, _ := conv.Message(ch, botID)
	assert.Equal(t, model.StatusReceiving, m.Current().Status)
	assert.Equal(t, "part", m.Current().Body.String())
	assert.False(t, svc.Cancel(target))
}

func TestCancelBeforeHeadersArrive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(2 * time.Second):
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\n", sseChunk("late answer"))
	}))
	defer srv.Close()

	svc := newTestChat(t, newMemDB(), srv)
	conv := svc.Conversation()
	ch, _ := conv.CreateChannel("c", nil, model.DefaultChannelConfig())
	_, botID, err := svc.Ask(context.Background(), ch, "hi")
	require.NoError(t, err)

	target := stream.Target{ChannelID: ch, MessageID: botID, ContentIndex: 0}
	assert.Equal(t, []stream.Target{target}, svc.Active())
	assert.True(t, svc.Cancel(target))
	svc.Wait()

	m, _ := conv.Message(ch, botID)
	assert.Equal(t, model.StatusPending, m.Current().Status)
	assert.Empty(t, m.Current().Body.String())
	assert.Empty(t, svc.Active())
}

func TestAskValidation(t *testing.T) {
	srv, _ := openAIServer(t)
	svc := newTestChat(t, newMemDB(), srv)
	ch, _ := svc.Conversation().CreateChannel("c", nil, model.DefaultChannelConfig())

	_, _, err := svc.Ask(context.Background(), ch, "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, _, err = svc.Ask(context.Background(), ids.New(), "hi")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	missing := model.BotID(99)
	require.NoError(t, svc.Conversation().SetChannelConfig(ch, model.ChannelConfig{Mode: model.ModeBalanced, Kind: model.KindChat, DefaultBotID: &missing}))
	_, _, err = svc.Ask(context.Background(), ch, "hi")
	assert.ErrorIs(t, err, ErrBotNotFound)
	msgs, _ := svc.Conversation().Messages(ch)
	assert.Empty(t, msgs, "nothing is appended when the bot is unknown")
}

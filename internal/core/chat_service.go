package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"gwi.com/chatcore/internal/ids"
	"gwi.com/chatcore/internal/model"
	"gwi.com/chatcore/internal/stream"
)

// ChatService runs bot replies against the conversation: it appends the
// messages, starts the streams and settles each target content when its
// stream ends.
type ChatService struct {
	conv   *Conversation
	llm    *LLMService
	logger *slog.Logger

	// Streams outlive the request that started them; they stop on Cancel
	// or Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// One cancel func per running target, registered before the request is
	// sent so a cancel during connect is not lost.
	mu      sync.Mutex
	streams map[stream.Target]context.CancelFunc
}

func NewChatService(conv *Conversation, llm *LLMService, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatService{
		conv:    conv,
		llm:     llm,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[stream.Target]context.CancelFunc),
	}
}

func (s *ChatService) Conversation() *Conversation { return s.conv }

func (s *ChatService) LLM() *LLMService { return s.llm }

// Ask appends the user's text and a pending bot reply to a channel, then
// streams the reply into content 0 of the bot message.
func (s *ChatService) Ask(ctx context.Context, channelID ids.ID, text string) (ids.ID, ids.ID, error) {
	if strings.TrimSpace(text) == "" {
		return ids.Nil, ids.Nil, ErrEmptyMessage
	}
	if err := s.conv.EnsureFetched(ctx, channelID); err != nil {
		return ids.Nil, ids.Nil, err
	}
	ch, err := s.conv.Channel(channelID)
	if err != nil {
		return ids.Nil, ids.Nil, err
	}
	bot, err := s.botFor(ch)
	if err != nil {
		return ids.Nil, ids.Nil, err
	}

	user := model.NewUserText(text)
	if err := s.conv.AddMessage(channelID, user); err != nil {
		return ids.Nil, ids.Nil, err
	}
	reply := model.NewMessage(model.BotRole(bot), model.InitTextPending(), model.MessageMeta{ReplyID: &user.ID})
	if err := s.conv.AddMessage(channelID, reply); err != nil {
		return ids.Nil, ids.Nil, err
	}

	ctxMsgs, err := s.conv.ContextBefore(channelID, reply.ID)
	if err != nil {
		return ids.Nil, ids.Nil, err
	}
	s.start(bot, ctxMsgs, stream.Target{ChannelID: channelID, MessageID: reply.ID, ContentIndex: 0})
	return user.ID, reply.ID, nil
}

// Retry adds a new pending variant to a bot message, streams a fresh answer
// into it and returns its index.
func (s *ChatService) Retry(ctx context.Context, channelID, messageID ids.ID) (int, error) {
	if err := s.conv.EnsureFetched(ctx, channelID); err != nil {
		return 0, err
	}
	msg, err := s.conv.Message(channelID, messageID)
	if err != nil {
		return 0, err
	}
	if !msg.Role.IsBot() {
		return 0, ErrNotBotMessage
	}
	bot := msg.Role.BotID()
	if _, err := s.llm.Bot(bot); err != nil {
		return 0, err
	}

	ctxMsgs, err := s.conv.ContextBefore(channelID, messageID)
	if err != nil {
		return 0, err
	}
	idx, err := s.conv.AddContent(channelID, messageID, model.InitTextPending())
	if err != nil {
		return 0, err
	}
	s.start(bot, ctxMsgs, stream.Target{ChannelID: channelID, MessageID: messageID, ContentIndex: idx})
	return idx, nil
}

// Cancel stops the stream writing into target, including one still waiting
// for response headers. The content keeps whatever it received and its
// status. It reports whether a stream was running.
func (s *ChatService) Cancel(target stream.Target) bool {
	s.mu.Lock()
	cancel, ok := s.streams[target]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active lists the targets with a running stream.
func (s *ChatService) Active() []stream.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Target, 0, len(s.streams))
	for t := range s.streams {
		out = append(out, t)
	}
	return out
}

// Wait blocks until every started stream has been settled.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

// Close cancels all streams and waits for them.
func (s *ChatService) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *ChatService) botFor(ch model.Channel) (model.BotID, error) {
	if ch.Config.DefaultBotID != nil {
		id := *ch.Config.DefaultBotID
		if _, err := s.llm.Bot(id); err != nil {
			return 0, err
		}
		return id, nil
	}
	return s.llm.DefaultBot()
}

func (s *ChatService) start(bot model.BotID, ctxMsgs []*model.Message, target stream.Target) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.streams[target] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.streams, target)
			s.mu.Unlock()
			cancel()
		}()

		h, err := s.llm.Stream(ctx, bot, ctxMsgs, target, s.onDelta)
		if err == nil {
			err = h.Wait()
		}
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.settle(target, err)
	}()
}

func (s *ChatService) onDelta(t stream.Target, delta string) {
	if _, err := s.conv.ApplyContentAction(t.ChannelID, t.MessageID, t.ContentIndex, model.ReceivingText(delta)); err != nil {
		s.logger.Warn("dropping delta", "target", t, "error", err)
	}
}

// settle applies the terminal action for a finished stream. A cancelled
// stream leaves its content untouched.
func (s *ChatService) settle(t stream.Target, err error) {
	var action model.ContentAction
	switch {
	case err == nil:
		action = model.FulfilledAction()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Info("stream cancelled", "target", t)
		return
	default:
		s.logger.Warn("stream failed", "target", t, "error", err)
		action = model.RejectedAction()
	}
	if _, err := s.conv.ApplyContentAction(t.ChannelID, t.MessageID, t.ContentIndex, action); err != nil {
		s.logger.Warn("failed to settle stream", "target", t, "error", err)
	}
}

package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"gwi.com/chatcore/internal/config"
	"gwi.com/chatcore/internal/model"
	"gwi.com/chatcore/internal/stream"
)

const defaultGeminiModel = "gemini-1.5-flash-latest"

// LLMService owns the configured bots.
type LLMService struct {
	bots   map[model.BotID]BotService
	order  []model.BotID
	logger *slog.Logger
}

func NewLLMService(ctx context.Context, bots []config.Bot, client *stream.Client, logger *slog.Logger) (*LLMService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LLMService{bots: make(map[model.BotID]BotService, len(bots)), logger: logger}
	for _, b := range bots {
		var svc BotService
		switch b.Kind {
		case config.BotOpenAI:
			svc = &httpBot{bot: b, client: client, build: buildOpenAIRequest}
		case config.BotPolestar:
			svc = &httpBot{bot: b, client: client, build: buildPolestarRequest}
		case config.BotGemini:
			gb, err := newGeminiBot(ctx, b, client)
			if err != nil {
				s.Close()
				return nil, err
			}
			svc = gb
		default:
			s.Close()
			return nil, fmt.Errorf("bot %d: unknown kind %q", b.ID, b.Kind)
		}
		s.Register(svc)
	}
	if len(s.order) == 0 {
		logger.Warn("no bots configured; chat requests will fail")
	}
	return s, nil
}

// Register adds or replaces a bot.
func (s *LLMService) Register(svc BotService) {
	id := model.BotID(svc.Info().ID)
	if _, ok := s.bots[id]; !ok {
		s.order = append(s.order, id)
	}
	s.bots[id] = svc
	s.logger.Info("bot registered", "bot_id", id, "name", svc.Info().Name, "kind", svc.Info().Kind)
}

func (s *LLMService) Bot(id model.BotID) (BotService, error) {
	svc, ok := s.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	return svc, nil
}

// DefaultBot is the first registered bot.
func (s *LLMService) DefaultBot() (model.BotID, error) {
	if len(s.order) == 0 {
		return 0, ErrNoBots
	}
	return s.order[0], nil
}

// Bots lists bot settings sorted by id, without API keys.
func (s *LLMService) Bots() []config.Bot {
	out := make([]config.Bot, 0, len(s.bots))
	for _, svc := range s.bots {
		b := svc.Info()
		b.APIKey = ""
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stream asks bot id to answer ctxMsgs, writing deltas for target.
func (s *LLMService) Stream(ctx context.Context, id model.BotID, ctxMsgs []*model.Message, target stream.Target, onDelta stream.DeltaFunc) (*stream.Handle, error) {
	svc, err := s.Bot(id)
	if err != nil {
		return nil, err
	}
	prompt, err := buildPrompt(ctxMsgs, svc.Info().SystemPrompt)
	if err != nil {
		return nil, err
	}
	return svc.Stream(ctx, prompt, target, onDelta)
}

func (s *LLMService) Close() {
	for id, svc := range s.bots {
		if err := svc.Close(); err != nil {
			s.logger.Error("failed to close bot", "bot_id", id, "error", err)
		}
	}
}

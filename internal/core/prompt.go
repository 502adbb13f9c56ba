package core

import (
	"errors"

	"gwi.com/chatcore/internal/model"
)

var errNoQuestion = errors.New("prompt context does not end with a user message")

// Turn is one message of a prompt history.
type Turn struct {
	Role string // "user", "assistant" or "system"
	Text string
}

// Prompt is what a bot is asked: the latest user text, the turns before it
// and an optional system instruction.
type Prompt struct {
	System   string
	History  []Turn
	Question string
}

// buildPrompt turns a context window into a prompt. The last message must
// be the user's question. Non-text contents are skipped.
func buildPrompt(msgs []*model.Message, system string) (Prompt, error) {
	p := Prompt{System: system}
	if len(msgs) == 0 {
		return p, errNoQuestion
	}
	last := msgs[len(msgs)-1]
	if last.Role.Kind != model.RoleUser {
		return p, errNoQuestion
	}
	p.Question = last.Current().Body.String()

	for _, m := range msgs[:len(msgs)-1] {
		body := m.Current().Body
		if body.Kind != model.BodyText || body.Text == nil {
			continue
		}
		p.History = append(p.History, Turn{Role: turnRole(m.Role), Text: *body.Text})
	}
	return p, nil
}

func turnRole(r model.Role) string {
	switch r.Kind {
	case model.RoleBot:
		return "assistant"
	case model.RoleSystem:
		return "system"
	}
	return "user"
}

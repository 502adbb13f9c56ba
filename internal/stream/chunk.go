package stream

import (
	"encoding/json"
	"fmt"
)

// Chunk is one chat-completion stream event.
type Chunk struct {
	ID      string   `json:"id,omitempty"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	// Usage is decoded when present but not used.
	Usage *Usage `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Content *string `json:"content,omitempty"`
	Role    string  `json:"role,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DecodeChunk parses an event's data and returns the delta content of its
// single choice. Anything other than exactly one choice is a ProtocolError.
func DecodeChunk(data string) (string, error) {
	var c Chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return "", &ProtocolError{Reason: "malformed chunk", Data: data, Err: err}
	}
	if len(c.Choices) != 1 {
		return "", &ProtocolError{Reason: fmt.Sprintf("expected 1 choice, got %d", len(c.Choices)), Data: data}
	}
	if c.Choices[0].Delta.Content == nil {
		return "", nil
	}
	return *c.Choices[0].Delta.Content, nil
}

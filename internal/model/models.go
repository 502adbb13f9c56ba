// Package model holds the conversation data model: channels, messages with
// multiple content variants, attachments, and the content state machine.
//
// The JSON encodings of Role, ChannelConfig, MessageMeta and the content
// list are what the store writes into its JSON columns; every enumeration
// is written by label.
package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"gwi.com/chatcore/internal/ids"
)

// Mode selects how much history is forwarded to the LLM.
type Mode string

const (
	ModeBalanced    Mode = "Balanced"
	ModePerformance Mode = "Performance"
)

// ContextNumber is the number of trailing messages used as prompt context.
func (m Mode) ContextNumber() int {
	if m == ModePerformance {
		return 10
	}
	return 6
}

// Kind is the purpose of a channel.
type Kind string

const (
	KindChat     Kind = "Chat"
	KindFeedback Kind = "Feedback"
)

// BotID identifies a configured bot.
type BotID int64

// ChannelConfig is the per-channel configuration stored in channel.cfg.
type ChannelConfig struct {
	Mode         Mode   `json:"mode"`
	Kind         Kind   `json:"kind"`
	DefaultBotID *BotID `json:"default_bot_id,omitempty"`
}

// DefaultChannelConfig returns a balanced chat channel with no default bot.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{Mode: ModeBalanced, Kind: KindChat}
}

// Validate checks the enumeration labels.
func (c ChannelConfig) Validate() error {
	switch c.Mode {
	case ModeBalanced, ModePerformance:
	default:
		return fmt.Errorf("unknown channel mode %q", c.Mode)
	}
	switch c.Kind {
	case KindChat, KindFeedback:
	default:
		return fmt.Errorf("unknown channel kind %q", c.Kind)
	}
	return nil
}

// FetchStatus records whether a channel's messages were loaded from the store.
type FetchStatus int

const (
	NonFetched FetchStatus = iota
	Fetched
)

func (s FetchStatus) String() string {
	if s == Fetched {
		return "Fetched"
	}
	return "NonFetched"
}

// Channel is a named conversation thread.
type Channel struct {
	ID       ids.ID        `json:"id"`
	Name     string        `json:"name"`
	Desc     *string       `json:"desc,omitempty"`
	Config   ChannelConfig `json:"cfg"`
	Messages []*Message    `json:"messages,omitempty"`
	Status   FetchStatus   `json:"-"`
}

// Header returns a copy of the channel without its messages.
func (c *Channel) Header() Channel {
	h := Channel{ID: c.ID, Name: c.Name, Config: c.Config, Status: c.Status}
	if c.Desc != nil {
		d := *c.Desc
		h.Desc = &d
	}
	if c.Config.DefaultBotID != nil {
		b := *c.Config.DefaultBotID
		h.Config.DefaultBotID = &b
	}
	return h
}

// RoleKind is the label of a Role.
type RoleKind string

const (
	RoleUser   RoleKind = "User"
	RoleBot    RoleKind = "Bot"
	RoleSystem RoleKind = "System"
)

// Role is the author of a message: the user, a bot, or a numbered system source.
type Role struct {
	Kind RoleKind `json:"type"`
	ID   int64    `json:"id,omitempty"`
}

func UserRole() Role { return Role{Kind: RoleUser} }
func BotRole(id BotID) Role { return Role{Kind: RoleBot, ID: int64(id)} }
func SystemRole(id int64) Role { return Role{Kind: RoleSystem, ID: id} }
func (r Role) BotID() BotID { return BotID(r.ID) }
func (r Role) IsBot() bool { return r.Kind == RoleBot }

func (r Role) String() string {
	if r.Kind == RoleUser {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s(%d)", r.Kind, r.ID)
}

func (r *Role) UnmarshalJSON(data []byte) error {
	type plain Role
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch p.Kind {
	case RoleUser, RoleBot, RoleSystem:
	default:
		return fmt.Errorf("unknown role %q", p.Kind)
	}
	*r = Role(p)
	return nil
}

// MessageMeta holds the optional quote or reply relation of a message.
type MessageMeta struct {
	QuoteID *ids.ID `json:"quote_id,omitempty"`
	ReplyID *ids.ID `json:"reply_id,omitempty"`
}

var ErrMetaConflict = errors.New("message meta: quote_id and reply_id are mutually exclusive")

func (m MessageMeta) Validate() error {
	if m.QuoteID != nil && m.ReplyID != nil {
		return ErrMetaConflict
	}
	return nil
}

func (m MessageMeta) clone() MessageMeta {
	var out MessageMeta
	if m.QuoteID != nil {
		q := *m.QuoteID
		out.QuoteID = &q
	}
	if m.ReplyID != nil {
		r := *m.ReplyID
		out.ReplyID = &r
	}
	return out
}

// Message is a single turn; Contents holds its retry variants.
type Message struct {
	ID           ids.ID       `json:"id"`
	Role         Role         `json:"role"`
	CurrentIndex int          `json:"cur_idx"`
	Contents     []MsgContent `json:"cont_list"`
	Meta         MessageMeta  `json:"meta"`
	CreatedAt    int64        `json:"created_at"`
}

// NewMessage allocates an ID and timestamp for a message with one content.
func NewMessage(role Role, content MsgContent, meta MessageMeta) *Message {
	return &Message{
		ID:        ids.New(),
		Role:      role,
		Contents:  []MsgContent{content},
		Meta:      meta,
		CreatedAt: ids.Now(),
	}
}

// NewUserText is a user message with one fulfilled text content.
func NewUserText(text string) *Message {
	return NewMessage(UserRole(), FulfilledText(text), MessageMeta{})
}

// Current returns the content at CurrentIndex.
func (m *Message) Current() *MsgContent {
	return &m.Contents[m.CurrentIndex]
}

// Validate checks the structural invariants of a message.
func (m *Message) Validate() error {
	if len(m.Contents) == 0 {
		return errors.New("message has no contents")
	}
	if m.CurrentIndex < 0 || m.CurrentIndex >= len(m.Contents) {
		return fmt.Errorf("current index %d out of range [0,%d)", m.CurrentIndex, len(m.Contents))
	}
	return m.Meta.Validate()
}

// Clone returns a deep copy, used when handing snapshots to the persistence engine.
func (m *Message) Clone() *Message {
	c := *m
	c.Contents = make([]MsgContent, len(m.Contents))
	for i, mc := range m.Contents {
		c.Contents[i] = mc.clone()
	}
	c.Meta = m.Meta.clone()
	return &c
}

// Attachment is an immutable binary blob referenced by name.
type Attachment struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
	Data []byte `json:"-"`
}

var supportedMimes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// SupportedMime reports whether attachments of this type are accepted.
func SupportedMime(mime string) bool {
	return supportedMimes[mime]
}

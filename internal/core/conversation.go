package core

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gwi.com/chatcore/internal/ids"
	"gwi.com/chatcore/internal/model"
	"gwi.com/chatcore/internal/persist"
)

// Persistence is what the conversation needs from the persistence engine.
type Persistence interface {
	Enqueue(a persist.Action)
	QueryChannels(ctx context.Context) ([]model.Channel, error)
	QueryMessages(ctx context.Context, channelID ids.ID) ([]*model.Message, error)
	QueryAttachment(ctx context.Context, name string) (model.Attachment, error)
}

// Conversation is the in-memory view of channels and their messages. It is
// the read-your-writes source of truth; every mutation is mirrored to the
// persistence engine as an action. Reads return copies.
type Conversation struct {
	db     Persistence
	logger *slog.Logger

	mu       sync.RWMutex
	channels []*model.Channel
	current  ids.ID
}

func NewConversation(db Persistence, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{db: db, logger: logger, current: ids.Nil}
}

// Restore builds a conversation from the channels already in the store.
// Channels come back NonFetched and no channel is current.
func Restore(ctx context.Context, db Persistence, logger *slog.Logger) (*Conversation, error) {
	c := NewConversation(db, logger)
	channels, err := db.QueryChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore channels: %w", err)
	}
	for i := range channels {
		ch := channels[i]
		ch.Status = model.NonFetched
		ch.Messages = nil
		c.channels = append(c.channels, &ch)
	}
	c.logger.Info("conversation restored", "channels", len(c.channels))
	return c, nil
}

func (c *Conversation) indexOf(id ids.ID) int {
	for i, ch := range c.channels {
		if ch.ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) channel(id ids.ID) (*model.Channel, error) {
	if i := c.indexOf(id); i >= 0 {
		return c.channels[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
}

func (c *Conversation) message(channelID, messageID ids.ID) (*model.Channel, *model.Message, error) {
	ch, err := c.channel(channelID)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range ch.Messages {
		if m.ID == messageID {
			return ch, m, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

// Channel operations

// CreateChannel appends a new channel and makes it current.
func (c *Conversation) CreateChannel(name string, desc *string, cfg model.ChannelConfig) (ids.ID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ids.Nil, ErrEmptyName
	}
	if err := cfg.Validate(); err != nil {
		return ids.Nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := &model.Channel{
		ID:     ids.New(),
		Name:   name,
		Desc:   copyString(desc),
		Config: cfg,
		Status: model.Fetched,
	}
	c.channels = append(c.channels, ch)
	c.current = ch.ID
	c.db.Enqueue(persist.AddChannel{Channel: ch.Header()})
	return ch.ID, nil
}

// RemoveChannel drops a channel. When it was current, the preceding channel
// becomes current, else the following one, else none.
func (c *Conversation) RemoveChannel(id ids.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	c.channels = append(c.channels[:idx], c.channels[idx+1:]...)

	if c.current == id {
		switch {
		case idx-1 >= 0:
			c.current = c.channels[idx-1].ID
		case idx < len(c.channels):
			c.current = c.channels[idx].ID
		default:
			c.current = ids.Nil
		}
	}
	c.db.Enqueue(persist.RemoveChannel{ChannelID: id})
	return nil
}

// SwitchChannel makes id current, loading its messages from the store the
// first time.
func (c *Conversation) SwitchChannel(ctx context.Context, id ids.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(id)
	if err != nil {
		return err
	}
	if err := c.fetch(ctx, ch); err != nil {
		return err
	}
	c.current = id
	return nil
}

// EnsureFetched loads a channel's messages if that has not happened yet.
func (c *Conversation) EnsureFetched(ctx context.Context, id ids.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(id)
	if err != nil {
		return err
	}
	return c.fetch(ctx, ch)
}

// fetch replaces the in-memory message list with the stored one. Messages
// added in memory but not yet flushed are kept after the stored ones.
func (c *Conversation) fetch(ctx context.Context, ch *model.Channel) error {
	if ch.Status == model.Fetched {
		return nil
	}
	stored, err := c.db.QueryMessages(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch messages of channel %s: %w", ch.ID, err)
	}
	seen := make(map[ids.ID]bool, len(stored))
	for _, m := range stored {
		seen[m.ID] = true
	}
	for _, m := range ch.Messages {
		if !seen[m.ID] {
			stored = append(stored, m)
		}
	}
	ch.Messages = stored
	ch.Status = model.Fetched
	c.logger.Debug("channel fetched", "channel_id", ch.ID, "messages", len(stored))
	return nil
}

func (c *Conversation) RenameChannel(id ids.ID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	return c.updateChannel(id, func(ch *model.Channel) { ch.Name = name })
}

func (c *Conversation) SetChannelDesc(id ids.ID, desc *string) error {
	desc = copyString(desc)
	return c.updateChannel(id, func(ch *model.Channel) { ch.Desc = desc })
}

func (c *Conversation) SetChannelConfig(id ids.ID, cfg model.ChannelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return c.updateChannel(id, func(ch *model.Channel) { ch.Config = cfg })
}

func (c *Conversation) updateChannel(id ids.ID, mutate func(ch *model.Channel)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(id)
	if err != nil {
		return err
	}
	mutate(ch)
	h := ch.Header()
	c.db.Enqueue(persist.UpdateChannel{ChannelID: h.ID, Name: h.Name, Desc: h.Desc, Config: h.Config})
	return nil
}

// ListChannels returns channel headers in insertion order.
func (c *Conversation) ListChannels() []model.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.Header())
	}
	return out
}

func (c *Conversation) Channel(id ids.ID) (model.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, err := c.channel(id)
	if err != nil {
		return model.Channel{}, err
	}
	return ch.Header(), nil
}

// CurrentChannel returns the current channel header, or false when none is
// selected.
func (c *Conversation) CurrentChannel() (model.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == ids.Nil {
		return model.Channel{}, false
	}
	ch, err := c.channel(c.current)
	if err != nil {
		return model.Channel{}, false
	}
	return ch.Header(), true
}

func (c *Conversation) CurrentChannelID() ids.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Message operations

// AddMessage appends msg to a channel. The conversation keeps its own copy.
func (c *Conversation) AddMessage(channelID ids.ID, msg *model.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(channelID)
	if err != nil {
		return err
	}
	own := msg.Clone()
	ch.Messages = append(ch.Messages, own)
	c.db.Enqueue(persist.AddMessage{ChannelID: channelID, Message: own.Clone()})
	return nil
}

// AddContent appends a variant to a message, makes it current and returns
// its index. The store only learns about it once a content reaches a
// terminal state, unless it is terminal already.
func (c *Conversation) AddContent(channelID, messageID ids.ID, content model.MsgContent) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, m, err := c.message(channelID, messageID)
	if err != nil {
		return 0, err
	}
	m.Contents = append(m.Contents, content)
	m.CurrentIndex = len(m.Contents) - 1
	if content.Status.IsTerminal() {
		c.db.Enqueue(persist.UpdateMessage{Message: m.Clone()})
	}
	return m.CurrentIndex, nil
}

// SwitchContent moves a message's current index. An out-of-range index is
// logged and ignored.
func (c *Conversation) SwitchContent(channelID, messageID ids.ID, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, m, err := c.message(channelID, messageID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(m.Contents) {
		c.logger.Warn("content index out of range",
			"channel_id", channelID, "message_id", messageID,
			"content_index", index, "contents", len(m.Contents))
		return nil
	}
	m.CurrentIndex = index
	return nil
}

// ApplyContentAction drives the state machine of one content. Surprising
// transitions are logged, never refused, except that a Fulfilled content
// stays as it is. Only terminal transitions are persisted.
func (c *Conversation) ApplyContentAction(channelID, messageID ids.ID, index int, action model.ContentAction) (model.Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, m, err := c.message(channelID, messageID)
	if err != nil {
		return model.Transition{}, err
	}
	if index < 0 || index >= len(m.Contents) {
		c.logger.Warn("content index out of range",
			"channel_id", channelID, "message_id", messageID,
			"content_index", index, "action", action.Kind)
		return model.Transition{Action: action.Kind, Verdict: model.Frozen}, nil
	}

	t := m.Contents[index].Apply(action)
	if t.Verdict != model.Expected {
		c.logger.Warn("unexpected content transition",
			"channel_id", channelID, "message_id", messageID, "content_index", index,
			"from", t.From, "action", t.Action, "verdict", t.Verdict)
	}
	if t.Terminal() {
		c.db.Enqueue(persist.UpdateMessage{Message: m.Clone()})
	}
	return t, nil
}

// RemoveMessage drops a message from a channel.
func (c *Conversation) RemoveMessage(channelID, messageID ids.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel(channelID)
	if err != nil {
		return err
	}
	for i, m := range ch.Messages {
		if m.ID == messageID {
			ch.Messages = append(ch.Messages[:i], ch.Messages[i+1:]...)
			c.db.Enqueue(persist.RemoveMessage{MessageID: messageID})
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

func (c *Conversation) Message(channelID, messageID ids.ID) (*model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, m, err := c.message(channelID, messageID)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Messages returns copies of a channel's messages in insertion order.
func (c *Conversation) Messages(channelID ids.ID) ([]*model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, err := c.channel(channelID)
	if err != nil {
		return nil, err
	}
	return cloneAll(ch.Messages), nil
}

// Context construction

// Context returns the prompt context of the current channel: its trailing
// mode.ContextNumber() messages whose current content is Fulfilled.
func (c *Conversation) Context() []*model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, err := c.channel(c.current)
	if err != nil {
		return nil
	}
	return contextWindow(ch.Messages, ch.Config.Mode)
}

// ContextBefore is Context for an explicit channel, limited to the
// messages preceding messageID.
func (c *Conversation) ContextBefore(channelID, messageID ids.ID) ([]*model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, err := c.channel(channelID)
	if err != nil {
		return nil, err
	}
	for i, m := range ch.Messages {
		if m.ID == messageID {
			return contextWindow(ch.Messages[:i], ch.Config.Mode), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

func contextWindow(msgs []*model.Message, mode model.Mode) []*model.Message {
	n := mode.ContextNumber()
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Current().Status == model.StatusFulfilled {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Attachments

// AddAttachment allocates a name for data and queues it for storage.
func (c *Conversation) AddAttachment(mime string, data []byte) (string, error) {
	if !model.SupportedMime(mime) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMime, mime)
	}
	if len(data) == 0 {
		return "", ErrEmptyAttachment
	}
	att := model.Attachment{Name: ids.NewAttachmentName(), Mime: mime, Data: bytes.Clone(data)}
	c.db.Enqueue(persist.AddAttachment{Attachment: att})
	return att.Name, nil
}

// Attachment reads a flushed attachment from the store.
func (c *Conversation) Attachment(ctx context.Context, name string) (model.Attachment, error) {
	return c.db.QueryAttachment(ctx, name)
}

func cloneAll(msgs []*model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

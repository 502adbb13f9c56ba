package persist

import (
	"context"
	"log/slog"

	"gwi.com/chatcore/internal/ids"
	"gwi.com/chatcore/internal/model"
	"gwi.com/chatcore/internal/store"
)

// Kind names an Action variant.
type Kind string

const (
	KindAddMessage    Kind = "AddMessage"
	KindUpdateMessage Kind = "UpdateMessage"
	KindRemoveMessage Kind = "RemoveMessage"
	KindAddChannel    Kind = "AddChannel"
	KindRemoveChannel Kind = "RemoveChannel"
	KindUpdateChannel Kind = "UpdateChannel"
	KindAddAttachment Kind = "AddAttachment"
)

// Action is a mutation that can be replayed against the store without
// further reads. Payloads are snapshots and must not be mutated after
// they are enqueued.
type Action interface {
	Kind() Kind
	Apply(ctx context.Context, w store.Writer) error
	slog.LogValuer
}

type AddMessage struct {
	ChannelID ids.ID
	Message   *model.Message
}

func (a AddMessage) Kind() Kind { return KindAddMessage }

func (a AddMessage) Apply(ctx context.Context, w store.Writer) error {
	return w.AddMsg(ctx, a.ChannelID, a.Message)
}

func (a AddMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", a.ChannelID.String()),
		slog.String("message_id", a.Message.ID.String()),
		slog.String("role", a.Message.Role.String()),
	)
}

type UpdateMessage struct {
	Message *model.Message
}

func (a UpdateMessage) Kind() Kind { return KindUpdateMessage }

func (a UpdateMessage) Apply(ctx context.Context, w store.Writer) error {
	return w.UpdateMsg(ctx, a.Message)
}

func (a UpdateMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", a.Message.ID.String()),
		slog.Int("cur_idx", a.Message.CurrentIndex),
		slog.Int("contents", len(a.Message.Contents)),
	)
}

type RemoveMessage struct {
	MessageID ids.ID
}

func (a RemoveMessage) Kind() Kind { return KindRemoveMessage }

func (a RemoveMessage) Apply(ctx context.Context, w store.Writer) error {
	return w.RemoveMsg(ctx, a.MessageID)
}

func (a RemoveMessage) LogValue() slog.Value {
	return slog.GroupValue(slog.String("message_id", a.MessageID.String()))
}

type AddChannel struct {
	Channel model.Channel
}

func (a AddChannel) Kind() Kind { return KindAddChannel }

func (a AddChannel) Apply(ctx context.Context, w store.Writer) error {
	return w.AddChannel(ctx, a.Channel)
}

func (a AddChannel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", a.Channel.ID.String()),
		slog.String("name", a.Channel.Name),
	)
}

// RemoveChannel deletes the channel together with its messages.
type RemoveChannel struct {
	ChannelID ids.ID
}

func (a RemoveChannel) Kind() Kind { return KindRemoveChannel }

func (a RemoveChannel) Apply(ctx context.Context, w store.Writer) error {
	if err := w.RemoveMsgsByChannel(ctx, a.ChannelID); err != nil {
		return err
	}
	return w.RemoveChannel(ctx, a.ChannelID)
}

func (a RemoveChannel) LogValue() slog.Value {
	return slog.GroupValue(slog.String("channel_id", a.ChannelID.String()))
}

type UpdateChannel struct {
	ChannelID ids.ID
	Name      string
	Desc      *string
	Config    model.ChannelConfig
}

func (a UpdateChannel) Kind() Kind { return KindUpdateChannel }

func (a UpdateChannel) Apply(ctx context.Context, w store.Writer) error {
	return w.UpdateChannel(ctx, a.ChannelID, a.Name, a.Desc, a.Config)
}

func (a UpdateChannel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", a.ChannelID.String()),
		slog.String("name", a.Name),
		slog.String("mode", string(a.Config.Mode)),
	)
}

type AddAttachment struct {
	Attachment model.Attachment
}

func (a AddAttachment) Kind() Kind { return KindAddAttachment }

func (a AddAttachment) Apply(ctx context.Context, w store.Writer) error {
	_, err := w.AddAttachment(ctx, a.Attachment)
	return err
}

func (a AddAttachment) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", a.Attachment.Name),
		slog.String("mime", a.Attachment.Mime),
		slog.Int("bytes", len(a.Attachment.Data)),
	)
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gwi.com/chatcore/internal/core"
	"gwi.com/chatcore/internal/ids"
	"gwi.com/chatcore/internal/model"
	"gwi.com/chatcore/internal/store"
	"gwi.com/chatcore/internal/stream"
)

// MaxAttachmentSize bounds an uploaded attachment body.
const MaxAttachmentSize = 10 << 20

type APIHandler struct {
	chatService *core.ChatService
	conv        *core.Conversation
	logger      *slog.Logger
}

func NewAPIHandler(cs *core.ChatService, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{chatService: cs, conv: cs.Conversation(), logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes. Anything unknown is logged
// and reported as a 500 without its detail.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrChannelNotFound),
		errors.Is(err, core.ErrMessageNotFound),
		errors.Is(err, core.ErrBotNotFound),
		errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, core.ErrEmptyName),
		errors.Is(err, core.ErrEmptyMessage),
		errors.Is(err, core.ErrUnsupportedMime),
		errors.Is(err, core.ErrEmptyAttachment),
		errors.Is(err, core.ErrNotBotMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrNoBots):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (ids.ID, bool) {
	id, err := ids.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, "Invalid "+name, http.StatusBadRequest)
		return ids.Nil, false
	}
	return id, true
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) ListBotsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chatService.LLM().Bots())
}

type ChannelResponse struct {
	model.Channel
	Fetched bool `json:"fetched"`
	Current bool `json:"current"`
}

func (h *APIHandler) channelResponse(ch model.Channel) ChannelResponse {
	return ChannelResponse{
		Channel: ch,
		Fetched: ch.Status == model.Fetched,
		Current: ch.ID == h.conv.CurrentChannelID(),
	}
}

func (h *APIHandler) ListChannelsHandler(w http.ResponseWriter, r *http.Request) {
	channels := h.conv.ListChannels()
	resp := make([]ChannelResponse, 0, len(channels))
	for _, ch := range channels {
		resp = append(resp, h.channelResponse(ch))
	}
	writeJSON(w, http.StatusOK, resp)
}

type CreateChannelRequest struct {
	Name   string               `json:"name"`
	Desc   *string              `json:"desc,omitempty"`
	Config *model.ChannelConfig `json:"cfg,omitempty"`
}

func (h *APIHandler) CreateChannelHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg := model.DefaultChannelConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.conv.CreateChannel(req.Name, req.Desc, cfg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ch, err := h.conv.Channel(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.channelResponse(ch))
}

// UpdateChannelRequest changes only the fields that are present.
type UpdateChannelRequest struct {
	Name   *string              `json:"name,omitempty"`
	Desc   *string              `json:"desc,omitempty"`
	Config *model.ChannelConfig `json:"cfg,omitempty"`
}

func (h *APIHandler) UpdateChannelHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	var req UpdateChannelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Config != nil {
		if err := req.Config.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if _, err := h.conv.Channel(id); err != nil {
		h.writeError(w, r, err)
		return
	}

	if req.Name != nil {
		if err := h.conv.RenameChannel(id, *req.Name); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.Desc != nil {
		if err := h.conv.SetChannelDesc(id, req.Desc); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.Config != nil {
		if err := h.conv.SetChannelConfig(id, *req.Config); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	ch, err := h.conv.Channel(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.channelResponse(ch))
}

func (h *APIHandler) DeleteChannelHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	if err := h.conv.RemoveChannel(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) SwitchChannelHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	if err := h.conv.SwitchChannel(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	if err := h.conv.EnsureFetched(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	msgs, err := h.conv.Messages(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

type PostMessageResponse struct {
	UserMessageID ids.ID `json:"user_message_id"`
	BotMessageID  ids.ID `json:"bot_message_id"`
}

// PostMessageHandler answers as soon as the reply stream has started. The
// reply is read back from the messages endpoint.
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	var req PostMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID, botID, err := h.chatService.Ask(r.Context(), id, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PostMessageResponse{UserMessageID: userID, BotMessageID: botID})
}

func (h *APIHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	channelID, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	messageID, ok := idParam(w, r, "messageID")
	if !ok {
		return
	}
	if err := h.conv.RemoveMessage(channelID, messageID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ContentIndexResponse struct {
	ContentIndex int `json:"content_index"`
}

func (h *APIHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	channelID, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	messageID, ok := idParam(w, r, "messageID")
	if !ok {
		return
	}
	idx, err := h.chatService.Retry(r.Context(), channelID, messageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ContentIndexResponse{ContentIndex: idx})
}

type SwitchContentRequest struct {
	Index int `json:"index"`
}

func (h *APIHandler) SwitchContentHandler(w http.ResponseWriter, r *http.Request) {
	channelID, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	messageID, ok := idParam(w, r, "messageID")
	if !ok {
		return
	}
	var req SwitchContentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := h.conv.Message(channelID, messageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Index < 0 || req.Index >= len(msg.Contents) {
		http.Error(w, "Content index out of range", http.StatusBadRequest)
		return
	}
	if err := h.conv.SwitchContent(channelID, messageID, req.Index); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelHandler stops the stream feeding a message. The content index
// defaults to the message's current one.
func (h *APIHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	channelID, ok := idParam(w, r, "channelID")
	if !ok {
		return
	}
	messageID, ok := idParam(w, r, "messageID")
	if !ok {
		return
	}
	msg, err := h.conv.Message(channelID, messageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	idx := msg.CurrentIndex
	if v := r.URL.Query().Get("content_index"); v != "" {
		if idx, err = strconv.Atoi(v); err != nil {
			http.Error(w, "Invalid content_index", http.StatusBadRequest)
			return
		}
	}

	target := stream.Target{ChannelID: channelID, MessageID: messageID, ContentIndex: idx}
	if !h.chatService.Cancel(target) {
		http.Error(w, "No active stream", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type AttachmentResponse struct {
	Name string `json:"name"`
}

// UploadAttachmentHandler stores the raw request body under its
// Content-Type.
func (h *APIHandler) UploadAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, "Missing or invalid Content-Type", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxAttachmentSize))
	if err != nil {
		http.Error(w, "Failed to read attachment: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Attachment body is empty", http.StatusBadRequest)
		return
	}

	name, err := h.conv.AddAttachment(mt, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AttachmentResponse{Name: name})
}

// GetAttachmentHandler serves attachments that have been flushed to the
// store; a freshly uploaded one is 404 until the next drain.
func (h *APIHandler) GetAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	att, err := h.conv.Attachment(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", att.Mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(att.Data)))
	w.Write(att.Data)
}

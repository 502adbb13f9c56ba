package core

import "errors"

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrBotNotFound     = errors.New("bot not found")
	ErrEmptyName       = errors.New("channel name must not be empty")
	ErrEmptyMessage    = errors.New("message text must not be empty")
	ErrUnsupportedMime = errors.New("unsupported attachment mime type")
	ErrEmptyAttachment = errors.New("attachment data must not be empty")
	ErrNotBotMessage   = errors.New("message was not written by a bot")
	ErrNoBots          = errors.New("no bots configured")
)

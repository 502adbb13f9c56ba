// Package stream dispatches chat-completion requests and consumes their
// server-sent event streams.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"gwi.com/chatcore/internal/ids"
)

// Target addresses the content a stream writes into.
type Target struct {
	ChannelID    ids.ID
	MessageID    ids.ID
	ContentIndex int
}

func (t Target) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", t.ChannelID.String()),
		slog.String("message_id", t.MessageID.String()),
		slog.Int("content_index", t.ContentIndex),
	)
}

type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// DeltaFunc receives coalesced text for a target.
type DeltaFunc func(t Target, delta string)

type Client struct {
	http      *http.Client
	batchSize int
	logger    *slog.Logger
}

// NewClient builds a stream client. Requests carry no timeout of their own;
// callers bound them through the context.
func NewClient(httpClient *http.Client, batchSize int, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, batchSize: batchSize, logger: logger}
}

// Start sends req and, once response headers arrive, consumes the body in
// the background. It fails with a TransportError when the connection
// cannot be made or the server answers with a non-2xx status.
func (c *Client) Start(ctx context.Context, req Request, target Target, onDelta DeltaFunc) (*Handle, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Status: resp.StatusCode, Body: string(body)}
	}

	c.logger.Debug("stream opened", "target", target, "status", resp.StatusCode)
	return c.run(streamCtx, cancel, NewSSESource(resp.Body), target, onDelta), nil
}

// Run consumes an already opened source in the background.
func (c *Client) Run(ctx context.Context, src Source, target Target, onDelta DeltaFunc) *Handle {
	streamCtx, cancel := context.WithCancel(ctx)
	return c.run(streamCtx, cancel, src, target, onDelta)
}

func (c *Client) run(ctx context.Context, cancel context.CancelFunc, src Source, target Target, onDelta DeltaFunc) *Handle {
	h := &Handle{target: target, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.err = Consume(ctx, src, c.batchSize, func(delta string) {
			onDelta(target, delta)
		})
		if h.err != nil {
			c.logger.Debug("stream ended with error", "target", target, "error", h.err)
		}
	}()
	return h
}

// Handle is a running stream.
type Handle struct {
	target Target
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

func (h *Handle) Target() Target { return h.target }

// Cancel closes the connection. The target content is left as it is.
func (h *Handle) Cancel() {
	h.once.Do(h.cancel)
}

// Done is closed once the stream has terminated.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the stream terminates and returns nil on a clean end,
// a *TransportError, a *ProtocolError, or the context error after Cancel.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

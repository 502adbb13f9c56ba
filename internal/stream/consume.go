package stream

import (
	"context"
	"errors"
	"io"
	"strings"
)

// DefaultBatchSize is how many events are coalesced into one delta.
const DefaultBatchSize = 256

// Source yields text deltas. Next returns io.EOF on a clean end.
type Source interface {
	Next() (string, error)
	Close() error
}

// sseSource decodes chat-completion chunks from an SSE body.
type sseSource struct {
	body   io.ReadCloser
	reader *SSEReader
}

// NewSSESource wraps a response body carrying chat-completion chunks.
func NewSSESource(body io.ReadCloser) Source {
	return &sseSource{body: body, reader: NewSSEReader(body)}
}

func (s *sseSource) Next() (string, error) {
	data, err := s.reader.ReadEvent()
	if err != nil {
		var perr *ProtocolError
		if err == io.EOF || errors.As(err, &perr) {
			return "", err
		}
		return "", &TransportError{Err: err}
	}
	if strings.TrimSpace(data) == DoneSentinel {
		return "", io.EOF
	}
	return DecodeChunk(data)
}

func (s *sseSource) Close() error { return s.body.Close() }

type event struct {
	delta string
	err   error
}

// Consume reads src until it ends and delivers deltas to onDelta. Events
// are drained in batches of up to batchSize; each non-empty batch is
// delivered as one concatenated string. A clean end returns nil. Deltas
// that arrived before an error are delivered before the error is returned.
func Consume(ctx context.Context, src Source, batchSize int, onDelta func(string)) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event, batchSize)
	go func() {
		defer close(events)
		for {
			delta, err := src.Next()
			select {
			case events <- event{delta: delta, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	// Closing the source unblocks a reader stuck in Next.
	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer func() {
		if stop() {
			src.Close()
		}
	}()

	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			onDelta(buf.String())
			buf.Reset()
		}
	}

	for {
		var ev event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			ev = e
		}

		n := 1
		for ev.err == nil {
			buf.WriteString(ev.delta)
			if n == batchSize {
				break
			}
			select {
			case e, ok := <-events:
				if !ok {
					flush()
					return nil
				}
				ev = e
				n++
				continue
			default:
			}
			break
		}
		flush()

		if ev.err != nil {
			if ev.err == io.EOF {
				return nil
			}
			// A read failing because we closed the source is a cancellation.
			if err := ctx.Err(); err != nil {
				return err
			}
			return ev.err
		}
	}
}

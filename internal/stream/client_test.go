package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/chatcore/internal/ids"
)

func chunk(content string) string {
	return fmt.Sprintf(`{"object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`, content)
}

// sseServer writes each frame as one event, flushing after each.
func sseServer(t *testing.T, frames []string, after func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		if after != nil {
			after(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type collector struct {
	mu     sync.Mutex
	deltas []string
}

func (c *collector) add(_ Target, d string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, d)
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.deltas, "")
}

func newTarget() Target {
	return Target{ChannelID: ids.New(), MessageID: ids.New(), ContentIndex: 0}
}

func TestStreamDeliversDeltasUntilDone(t *testing.T) {
	srv := sseServer(t, []string{chunk("He"), chunk("llo"), chunk(" world"), DoneSentinel, chunk("ignored")}, nil)

	var c collector
	client := NewClient(srv.Client(), 0, nil)
	target := newTarget()
	h, err := client.Start(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)}, target, func(got Target, d string) {
		assert.Equal(t, target, got)
		c.add(got, d)
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	assert.Equal(t, "Hello world", c.text())
	assert.Equal(t, target, h.Target())
}

func TestStreamEndWithoutSentinelIsClean(t *testing.T) {
	srv := sseServer(t, []string{chunk("a"), chunk("b")}, nil)

	var c collector
	h, err := NewClient(srv.Client(), 0, nil).Start(context.Background(), Request{URL: srv.URL}, newTarget(), c.add)
	require.NoError(t, err)
	assert.NoError(t, h.Wait())
	assert.Equal(t, "ab", c.text())
}

func TestStreamZeroChoicesIsProtocolError(t *testing.T) {
	srv := sseServer(t, []string{chunk("ok"), `{"object":"chat.completion.chunk","choices":[]}`, chunk("late")}, nil)

	var c collector
	h, err := NewClient(srv.Client(), 0, nil).Start(context.Background(), Request{URL: srv.URL}, newTarget(), c.add)
	require.NoError(t, err)
	err = h.Wait()
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, "ok", c.text())
}

func TestStreamConnectionDropIsTransportError(t *testing.T) {
	srv := sseServer(t, []string{chunk("par")}, func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	var c collector
	h, err := NewClient(srv.Client(), 0, nil).Start(context.Background(), Request{URL: srv.URL}, newTarget(), c.add)
	require.NoError(t, err)
	err = h.Wait()
	var terr *TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "par", c.text())
}

func TestStreamNon2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client(), 0, nil).Start(context.Background(), Request{URL: srv.URL}, newTarget(), func(Target, string) {
		t.Fatal("no delta expected")
	})
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, http.StatusUnauthorized, terr.Status)
	assert.Contains(t, terr.Body, "bad key")
}

func TestStreamConnectFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(nil, 0, nil).Start(context.Background(), Request{URL: url}, newTarget(), func(Target, string) {})
	var terr *TransportError
	assert.True(t, errors.As(err, &terr))
}

func TestStreamCancel(t *testing.T) {
	first := make(chan struct{})
	srv := sseServer(t, []string{chunk("partial")}, func(w http.ResponseWriter, r *http.Request) {
		close(first)
		<-r.Context().Done()
	})

	var c collector
	h, err := NewClient(srv.Client(), 0, nil).Start(context.Background(), Request{URL: srv.URL}, newTarget(), c.add)
	require.NoError(t, err)
	<-first
	require.Eventually(t, func() bool { return c.text() == "partial" }, 2*time.Second, 5*time.Millisecond)

	h.Cancel()
	h.Cancel()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	assert.ErrorIs(t, h.Wait(), context.Canceled)
}

// sliceSource yields fixed deltas and then err (io.EOF when nil).
type sliceSource struct {
	mu     sync.Mutex
	deltas []string
	err    error
	closed bool
}

func (s *sliceSource) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deltas) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestConsumeBatchSizeOneDeliversEachEvent(t *testing.T) {
	src := &sliceSource{deltas: []string{"a", "b", "", "c"}}
	var got []string
	err := Consume(context.Background(), src, 1, func(d string) { got = append(got, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got, "empty deltas are not delivered")
	assert.True(t, src.closed)
}

func TestConsumeCoalescesBatches(t *testing.T) {
	var deltas []string
	for i := 0; i < 1000; i++ {
		deltas = append(deltas, "x")
	}
	src := &sliceSource{deltas: deltas}
	var calls []string
	err := Consume(context.Background(), src, 256, func(d string) { calls = append(calls, d) })
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 1000), strings.Join(calls, ""))
	for _, c := range calls {
		assert.LessOrEqual(t, len(c), 256)
	}
	assert.GreaterOrEqual(t, len(calls), 4)
}

func TestConsumeDeliversBeforeError(t *testing.T) {
	boom := &TransportError{Err: errors.New("reset")}
	src := &sliceSource{deltas: []string{"pa", "r"}, err: boom}
	var got strings.Builder
	err := Consume(context.Background(), src, 8, func(d string) { got.WriteString(d) })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "par", got.String())
}

func TestRunUsesSource(t *testing.T) {
	src := &sliceSource{deltas: []string{"gem", "ini"}}
	var c collector
	h := NewClient(nil, 0, nil).Run(context.Background(), src, newTarget(), c.add)
	require.NoError(t, h.Wait())
	assert.Equal(t, "gemini", c.text())
}

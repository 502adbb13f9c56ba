package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// MaxEventSize bounds a single SSE event's data.
const MaxEventSize = 64 * 1024

// DoneSentinel is the data payload that ends a chat-completion stream.
const DoneSentinel = "[DONE]"

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent returns the data of the next event, joining multi-line data
// fields with "\n". Fields other than data are ignored. It returns io.EOF
// when the stream ends between events.
func (s *SSEReader) ReadEvent() (string, error) {
	var (
		data [][]byte
		size int
	)
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 {
					data, size = appendData(data, size, bytes.TrimRight(line, "\r\n"))
				}
				if len(data) > 0 {
					return string(bytes.Join(data, []byte("\n"))), nil
				}
				return "", io.EOF
			}
			return "", err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(data) > 0 {
				return string(bytes.Join(data, []byte("\n"))), nil
			}
			continue
		}

		data, size = appendData(data, size, line)
		if size > MaxEventSize {
			return "", &ProtocolError{Reason: fmt.Sprintf("event exceeds %d bytes", MaxEventSize)}
		}
	}
}

func appendData(data [][]byte, size int, line []byte) ([][]byte, int) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		// id:, event:, retry: and ":" comments
		return data, size
	}
	v := line[5:]
	if len(v) > 0 && v[0] == ' ' {
		v = v[1:]
	}
	v = bytes.Clone(v)
	return append(data, v), size + len(v)
}

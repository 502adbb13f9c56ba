package stream

import "fmt"

// TransportError is a network failure while opening or reading a stream.
// Status is set when the server answered with a non-2xx code.
type TransportError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("stream transport: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("stream transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an event that does not match the chat-completion chunk
// shape.
type ProtocolError struct {
	Reason string
	Data   string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream protocol: %s: %v", e.Reason, e.Err)
	}
	return "stream protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

package assistant

import (
	"context"
	"sync"
)

// Stream event types, in emission order: zero or more message events followed
// by exactly one terminal complete or error event.
const (
	StreamEventMessage  = "message"
	StreamEventComplete = "complete"
	StreamEventError    = "error"
)

// StreamEvent is one event of a streamed turn.
type StreamEvent struct {
	Type     string
	Text     string
	Response *Response
	Err      error
}

// TurnStream is the pull-based consumer side of a streamed turn. The producer
// guarantees exactly one terminal event; after it, Recv reports done.
type TurnStream struct {
	events chan StreamEvent
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce  sync.Once
	finishOnce sync.Once
}

func newTurnStream(cancel context.CancelFunc) *TurnStream {
	if cancel == nil {
		cancel = func() {}
	}
	return &TurnStream{
		events: make(chan StreamEvent, 32),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// newCompletedTurnStream wraps an already-computed response as a stream with
// one message event and the terminal complete event.
func newCompletedTurnStream(resp *Response) *TurnStream {
	s := newTurnStream(nil)
	s.events <- StreamEvent{Type: StreamEventMessage, Text: resp.Message}
	s.events <- StreamEvent{Type: StreamEventComplete, Response: resp}
	s.finish()
	return s
}

// Recv returns the next event. ok is false once the stream is exhausted or
// closed.
func (s *TurnStream) Recv() (event StreamEvent, ok bool) {
	event, ok = <-s.events
	return event, ok
}

// Close abandons the stream. The producer stops forwarding and the underlying
// completion call is cancelled; the turn's partial output is still persisted.
func (s *TurnStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// emitMessage forwards a text fragment. Returns false when the consumer has
// closed the stream.
func (s *TurnStream) emitMessage(text string) bool {
	return s.emit(StreamEvent{Type: StreamEventMessage, Text: text})
}

// emitComplete emits the terminal success event.
func (s *TurnStream) emitComplete(resp *Response) {
	s.emit(StreamEvent{Type: StreamEventComplete, Response: resp})
}

// emitError emits the terminal failure event.
func (s *TurnStream) emitError(err error) {
	s.emit(StreamEvent{Type: StreamEventError, Err: err})
}

func (s *TurnStream) emit(event StreamEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-s.done:
		return false
	}
}

// finish seals the stream after the terminal event. Only the producer
// goroutine may call it.
func (s *TurnStream) finish() {
	s.finishOnce.Do(func() {
		close(s.events)
		s.cancel()
	})
}

package events

import (
	"encoding/json"
	"io"
	"sync"
)

// StreamPublisher writes events as NDJSON lines to an io.Writer (typically
// stdout when following a run from the CLI). It wraps another publisher to
// also fan out events for WebSocket/API use.
type StreamPublisher struct {
	inner  Publisher
	out    io.Writer
	mu     sync.Mutex
	filter func(Event) bool
}

// StreamPublisherOption configures a StreamPublisher.
type StreamPublisherOption func(*StreamPublisher)

// WithInnerPublisher sets an inner publisher to fan out events to.
func WithInnerPublisher(p Publisher) StreamPublisherOption {
	return func(s *StreamPublisher) {
		s.inner = p
	}
}

// WithFilter limits which events are written to the stream. Events always
// fan out to the inner publisher regardless of the filter.
func WithFilter(fn func(Event) bool) StreamPublisherOption {
	return func(s *StreamPublisher) {
		s.filter = fn
	}
}

// NewStreamPublisher creates a publisher that writes events to the given
// writer.
func NewStreamPublisher(out io.Writer, opts ...StreamPublisherOption) *StreamPublisher {
	p := &StreamPublisher{out: out}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes the event as one JSON line and fans out to the inner
// publisher. Marshal failures drop the line rather than corrupt the stream.
func (p *StreamPublisher) Publish(event Event) {
	if p.inner != nil {
		p.inner.Publish(event)
	}

	if p.filter != nil && !p.filter(event) {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Write(data)
	p.out.Write([]byte("\n"))
}

// Subscribe delegates to the inner publisher or returns a closed channel.
func (p *StreamPublisher) Subscribe(runID string) <-chan Event {
	if p.inner != nil {
		return p.inner.Subscribe(runID)
	}
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe delegates to the inner publisher.
func (p *StreamPublisher) Unsubscribe(runID string, ch <-chan Event) {
	if p.inner != nil {
		p.inner.Unsubscribe(runID, ch)
	}
}

// Close delegates to the inner publisher.
func (p *StreamPublisher) Close() {
	if p.inner != nil {
		p.inner.Close()
	}
}

package provider

import (
	"context"
	"errors"
)

// StreamItem is one producer-side unit: a chunk of text or a terminal error.
type StreamItem struct {
	Text string
	Err  error
}

// pullStream adapts a producer channel into the pull-based Stream interface.
// Backend clients run a goroutine that sends items and closes the channel at
// end of stream.
type pullStream struct {
	items  <-chan StreamItem
	cancel context.CancelFunc
	cur    Chunk
	err    error
	done   bool
}

// NewPullStream wraps a producer channel. cancel aborts the underlying call;
// the producer must close the channel when it finishes (normally, on error,
// or after cancellation).
func NewPullStream(items <-chan StreamItem, cancel context.CancelFunc) Stream {
	return &pullStream{items: items, cancel: cancel}
}

func (s *pullStream) Next() bool {
	if s.done {
		return false
	}
	item, ok := <-s.items
	if !ok {
		s.done = true
		return false
	}
	if item.Err != nil {
		s.done = true
		// Cancellation terminates the sequence early without raising it
		// as a stream error.
		if !errors.Is(item.Err, context.Canceled) {
			s.err = item.Err
		}
		return false
	}
	s.cur = Chunk{Text: item.Text}
	return true
}

func (s *pullStream) Chunk() Chunk {
	return s.cur
}

func (s *pullStream) Err() error {
	return s.err
}

func (s *pullStream) Close() error {
	s.cancel()
	// Drain so the producer goroutine can exit.
	for range s.items { //nolint:revive // intentional drain
	}
	s.done = true
	return nil
}

// Collect consumes a stream to completion and returns the concatenated text.
func Collect(stream Stream) (string, error) {
	defer func() { _ = stream.Close() }()
	var out []byte
	for stream.Next() {
		out = append(out, stream.Chunk().Text...)
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return string(out), nil
}

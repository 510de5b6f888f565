package hooks

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// ErrStreamTruncated is returned by StreamCopy.Read after the reader fell
// behind and chunks were dropped.
var ErrStreamTruncated = errors.New("stream copy truncated: reader too slow")

// StreamCopy is a bounded, non-blocking copy of a relayed stream. The relay
// Offers each chunk and calls Finish at the end; a hook reads it as an
// io.ReadCloser. Offer never blocks: when the buffer is full the copy is
// truncated and the rest of the stream is not offered.
//
// Offer and Finish must be called from a single goroutine. Bind and Read
// belong to the reading goroutine.
type StreamCopy struct {
	ctx      context.Context
	ch       chan []byte
	cur      []byte
	closed   atomic.Bool
	dropped  atomic.Bool
	finished bool
}

// NewStreamCopy creates a copy buffering up to chunks pending chunks.
func NewStreamCopy(chunks int) *StreamCopy {
	return &StreamCopy{ctx: context.Background(), ch: make(chan []byte, chunks)}
}

// Bind makes Read give up with ctx's error once ctx is done, so a hook
// reading the copy stays within its task deadline.
func (s *StreamCopy) Bind(ctx context.Context) {
	s.ctx = ctx
}

// Offer hands a copy of p to the reader without blocking.
func (s *StreamCopy) Offer(p []byte) {
	if s.finished || s.closed.Load() || s.dropped.Load() || len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case s.ch <- chunk:
	default:
		s.dropped.Store(true)
	}
}

// Finish marks the end of the relayed stream.
func (s *StreamCopy) Finish() {
	if s.finished {
		return
	}
	s.finished = true
	close(s.ch)
}

// Read implements io.Reader.
func (s *StreamCopy) Read(p []byte) (int, error) {
	if len(s.cur) == 0 {
		var (
			chunk []byte
			ok    bool
		)
		select {
		case chunk, ok = <-s.ch:
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
		if !ok {
			if s.dropped.Load() {
				return 0, ErrStreamTruncated
			}
			return 0, io.EOF
		}
		s.cur = chunk
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}

// Close stops further Offers; pending chunks are discarded.
func (s *StreamCopy) Close() error {
	s.closed.Store(true)
	return nil
}

// Truncated reports whether chunks were dropped.
func (s *StreamCopy) Truncated() bool {
	return s.dropped.Load()
}

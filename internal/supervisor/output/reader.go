package output

import (
	"io"
	"sync/atomic"
)

// Reader is used for reading chunks from a Streamer, internally managing its
// position and waiting for new chunks as they arrive. Safe for concurrent
// use.
type Reader struct {
	position int
	closed   atomic.Bool

	s *Streamer
}

// Next performs a blocking read of the next chunk. When there are no more
// chunks and none are coming, or the Reader was closed, it returns io.EOF.
// A Reader that fell behind the retained window continues from the oldest
// retained chunk, which reports how many chunks were missed.
func (r *Reader) Next() (Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for {
		if r.closed.Load() {
			return Chunk{}, io.EOF
		}

		skipped := 0
		if r.position < r.s.base {
			skipped = r.s.base - r.position
			r.position = r.s.base
		}

		if i := r.position - r.s.base; i < len(r.s.chunks) {
			r.position++

			chunk := r.s.chunks[i]
			chunk.Skipped = skipped

			return chunk, nil
		}

		if r.s.isDone() {
			return Chunk{}, io.EOF
		}

		// Broadcast is called on 'more data', 'finished' and 'reader closed'.
		r.s.cond.Wait()
	}
}

// Close is used by a client to 'unsubscribe'. It marks the Reader as closed
// and wakes any waiting Next. Closing a closed Reader returns
// io.ErrClosedPipe.
func (r *Reader) Close() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.closed.Swap(true) {
		return io.ErrClosedPipe
	}

	r.s.cond.Broadcast()

	return nil
}

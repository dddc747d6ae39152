// Package output provides concurrent streaming of worker process output.
// Output read from the stdout and stderr pipes of a process is recorded as
// chunks tagged with the channel they came from. Multiple readers can
// subscribe to a Streamer and each receive the retained output from the
// beginning.
package output

import (
	"bytes"
	"io"
	"sync"
	"time"
)

const (
	// readBufferSize is the temporary buffer size for reading from a source
	// pipe. 4KB aligns with typical pipe buffer sizes.
	readBufferSize = 4096

	// maxRetainedBytes bounds the output kept for late subscribers. The agent
	// can run for days, so the oldest chunks are discarded past this point.
	maxRetainedBytes = 8 << 20

	// drainTimeout is how long open pipes are read after the process exited
	// before they are closed. Pipes can outlive the process when it leaves
	// orphaned children holding them.
	drainTimeout = 250 * time.Millisecond
)

// Channel identifies the pipe a Chunk was read from.
type Channel int

const (
	Stdout Channel = iota + 1
	Stderr
)

func (c Channel) String() string {
	switch c {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Chunk is a piece of raw output exactly as read from a pipe. Chunks are not
// aligned to line boundaries. Data is shared between readers and must not be
// modified.
type Chunk struct {
	Channel Channel
	Data    []byte

	// Skipped counts the chunks discarded from retention before this Reader
	// got to them.
	Skipped int
}

// Source is a pipe to read output from.
type Source struct {
	Channel Channel
	R       io.ReadCloser
}

// Streamer is responsible for reading process output from one or more
// sources and storing it in order for use by readers.
type Streamer struct {
	chunks []Chunk
	// base is the absolute position of chunks[0]. It moves forward as old
	// chunks are discarded.
	base int
	size int

	done chan struct{}
	mu   sync.Mutex
	cond sync.Cond
}

// NewStreamer creates a Streamer that immediately begins reading from the
// sources. The stream is finished once every source reached EOF and exited
// is closed. Sources still open drainTimeout after exited is closed are
// closed by the Streamer.
func NewStreamer(exited <-chan struct{}, sources ...Source) *Streamer {
	s := &Streamer{done: make(chan struct{})}

	s.cond.L = &s.mu

	var wg sync.WaitGroup

	for _, src := range sources {
		wg.Go(func() {
			s.processOutput(src)
		})
	}

	go s.finish(exited, sources, &wg)

	return s
}

func (s *Streamer) finish(
	exited <-chan struct{},
	sources []Source,
	wg *sync.WaitGroup,
) {
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-exited:
		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()

		select {
		case <-drained:
		case <-timer.C:
			for _, src := range sources {
				src.R.Close()
			}

			<-drained
		}
	}

	<-exited

	s.mu.Lock()
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Streamer) processOutput(src Source) {
	defer src.R.Close()

	buffer := make([]byte, readBufferSize)

	for {
		n, err := src.R.Read(buffer)
		if n > 0 {
			s.append(Chunk{Channel: src.Channel, Data: bytes.Clone(buffer[:n])})
		}

		if err != nil {
			// io.EOF is the normal end. Any other error (including the source
			// being closed after the drain window) ends this source too.
			return
		}
	}
}

func (s *Streamer) append(c Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks = append(s.chunks, c)
	s.size += len(c.Data)

	for s.size > maxRetainedBytes && len(s.chunks) > 1 {
		s.size -= len(s.chunks[0].Data)
		s.chunks[0] = Chunk{}
		s.chunks = s.chunks[1:]
		s.base++
	}

	s.cond.Broadcast()
}

// Subscribe returns a Reader positioned at the oldest retained chunk.
// Close cancels the subscription.
func (s *Streamer) Subscribe() *Reader {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &Reader{position: s.base, s: s}
}

// Done returns a channel that is closed when the stream has finished.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

func (s *Streamer) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

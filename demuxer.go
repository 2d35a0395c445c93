package muxrelay

import (
	"bytes"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Demuxer reassembles stream messages from frames interleaved on one
// connection. It keeps an assembly per stream id, so a frame arriving
// before anyone awaits its stream is buffered rather than lost; frames
// for streams that already completed are discarded.
//
// One Demuxer serves one connection's read loop. Await may be called
// from any goroutine.
type Demuxer struct {
	// ReadBufferSize is the receive buffer size used by ReadFrom,
	// DefaultReadBufferSize if zero.
	ReadBufferSize int

	mu      sync.Mutex
	streams map[StreamID]*assembly
	closed  bool
}

// assembly accumulates payload chunks for one stream in arrival order.
type assembly struct {
	buf  bytes.Buffer
	done bool
	ch   chan []byte // buffered; receives the assembled message once
}

func newAssembly() *assembly {
	return &assembly{ch: make(chan []byte, 1)}
}

// NewDemuxer returns a Demuxer ready for use.
func NewDemuxer() *Demuxer {
	return &Demuxer{streams: make(map[StreamID]*assembly)}
}

// Await registers interest in the given stream. The returned channel
// receives the assembled message exactly once: when the stream's final
// frame arrives, or when the connection closes first, in which case it
// receives whatever was assembled so far. One awaiter per stream.
func (dx *Demuxer) Await(id StreamID) <-chan []byte {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	as := dx.streams[id]
	if as == nil {
		as = newAssembly()
		dx.streams[id] = as
		if dx.closed {
			as.done = true
			as.ch <- nil
		}
	}
	return as.ch
}

// ReadFrom consumes r until it closes or fails, extracting frames and
// routing their payloads by stream id. On return every incomplete
// assembly is delivered as a partial result; a closed peer is not an
// error. It implements io.ReaderFrom.
func (dx *Demuxer) ReadFrom(r io.Reader) (n int64, err error) {
	defer dx.finish()
	var parser FrameParser
	buf := make([]byte, dx.readBufferSize())
	skipped := 0
	for {
		m, rerr := r.Read(buf)
		n += int64(m)
		if m > 0 {
			parser.Feed(buf[:m])
			for {
				f, ok := parser.Next()
				if !ok {
					break
				}
				dx.submit(f)
			}
			if s := parser.Skipped(); s > skipped {
				log.Debug().Int("count", s-skipped).Msg("skipped malformed frames")
				skipped = s
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				err = rerr
			}
			return
		}
	}
}

// submit routes one frame's payload into its stream's assembly.
func (dx *Demuxer) submit(f Frame) {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	as := dx.streams[f.StreamID]
	if as == nil {
		as = newAssembly()
		dx.streams[f.StreamID] = as
	}
	if as.done {
		// frames after the final one belong to a finished stream
		log.Debug().Stringer("frame", f).Msg("dropping frame for completed stream")
		return
	}
	as.buf.Write(f.Payload)
	if f.End {
		as.deliver()
	}
}

// deliver hands the assembled message to the awaiter and releases the
// assembly's copy. The entry stays in the stream table as a tombstone
// so straggler frames for the finished stream are still discarded.
func (as *assembly) deliver() {
	as.done = true
	as.ch <- as.buf.Bytes()
	as.buf = bytes.Buffer{}
}

// finish completes every stream still assembling with whatever has
// arrived so far. Peer close before a final frame is a silent partial
// result, not an error.
func (dx *Demuxer) finish() {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	dx.closed = true
	for _, as := range dx.streams {
		if !as.done {
			as.deliver()
		}
	}
}

func (dx *Demuxer) readBufferSize() int {
	if dx.ReadBufferSize > 0 {
		return dx.ReadBufferSize
	}
	return DefaultReadBufferSize
}

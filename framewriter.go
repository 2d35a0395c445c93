package muxrelay

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// FrameWriter serializes writes from concurrently running handlers onto
// a shared connection, so that no two goroutines interleave bytes
// within one frame. The lock is held for exactly one write at a time,
// never across multiple frames, which is what allows frames of
// different streams to interleave on the wire.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter returns a FrameWriter writing to w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes a single frame under the write lock.
func (fw *FrameWriter) WriteFrame(f Frame) error {
	wire := f.Wire()
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(wire)
	return errors.WithStack(err)
}

// WriteRaw writes p as-is under the write lock. Used for unframed
// responses sharing a connection with framed ones.
func (fw *FrameWriter) WriteRaw(p []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(p)
	return errors.WithStack(err)
}

// WriteMessage splits payload into chunkSize frames on the given
// stream, setting the end flag on the last frame. An empty payload
// still sends one final frame so the receiver can complete the stream.
func (fw *FrameWriter) WriteMessage(id StreamID, payload []byte, chunkSize int) error {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	for {
		chunk := payload
		last := len(chunk) <= chunkSize
		if !last {
			chunk = payload[:chunkSize]
		}
		if err := fw.WriteFrame(Frame{StreamID: id, End: last, Payload: chunk}); err != nil {
			return err
		}
		if last {
			return nil
		}
		payload = payload[chunkSize:]
	}
}

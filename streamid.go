package muxrelay

import "go.uber.org/atomic"

// StreamIDAllocator hands out stream ids to every request-issuing
// goroutine sharing an upstream connection. The zero value is ready for
// use; ids start at 1 and each id is returned exactly once.
type StreamIDAllocator struct {
	last atomic.Uint64
}

// Next returns a stream id no other call has returned.
func (a *StreamIDAllocator) Next() StreamID {
	return StreamID(a.last.Add(1))
}

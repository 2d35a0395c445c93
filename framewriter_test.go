package muxrelay

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameWriter_WriteMessageChunks(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteMessage(1, []byte("abc-def-ghi-j"), 4))

	var p FrameParser
	p.Feed(buf.Bytes())
	frames := parseAll(&p)
	require.Len(t, frames, 4)
	assert.Equal(t, "abc-", string(frames[0].Payload))
	assert.Equal(t, "def-", string(frames[1].Payload))
	assert.Equal(t, "ghi-", string(frames[2].Payload))
	assert.Equal(t, "j", string(frames[3].Payload))
	for i, f := range frames {
		assert.Equal(t, StreamID(1), f.StreamID)
		assert.Equal(t, i == len(frames)-1, f.End, "frame %d", i)
	}
}

func TestFrameWriter_ExactChunkBoundary(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteMessage(2, []byte("abcd"), 4))

	var p FrameParser
	p.Feed(buf.Bytes())
	frames := parseAll(&p)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].End)
	assert.Equal(t, "abcd", string(frames[0].Payload))
}

func TestFrameWriter_EmptyMessage(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteMessage(3, nil, 4))
	assert.Equal(t, "3|1|", buf.String())
}

// lockedBuffer fails the race detector if FrameWriter ever lets two
// writes overlap.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func TestFrameWriter_ConcurrentStreamsDoNotInterleaveWithinFrames(t *testing.T) {
	var lb lockedBuffer
	fw := NewFrameWriter(&lb)

	payloads := map[StreamID]string{
		1: "aaaa-aaaa-aaaa-aa",
		2: "bbbb-bbbb-b",
		3: "cccc-c",
	}
	var wg sync.WaitGroup
	for id, payload := range payloads {
		wg.Add(1)
		go func(id StreamID, payload string) {
			defer wg.Done()
			assert.NoError(t, fw.WriteMessage(id, []byte(payload), 5))
		}(id, payload)
	}
	wg.Wait()

	// every frame must decode cleanly and reassemble per stream
	var p FrameParser
	p.Feed(lb.buf.Bytes())
	assembled := make(map[StreamID]*bytes.Buffer)
	for _, f := range parseAll(&p) {
		b := assembled[f.StreamID]
		if b == nil {
			b = &bytes.Buffer{}
			assembled[f.StreamID] = b
		}
		b.Write(f.Payload)
	}
	assert.Zero(t, p.Skipped())
	require.Len(t, assembled, len(payloads))
	for id, payload := range payloads {
		assert.Equal(t, payload, assembled[id].String(), "stream %v", id)
	}
}

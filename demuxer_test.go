package muxrelay

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedDemuxer runs dx.ReadFrom over a pipe, writing each segment as a
// separate send, the way the peer writes one frame at a time.
func feedDemuxer(t *testing.T, dx *Demuxer, segments ...string) {
	pr, pw := io.Pipe()
	readDone := make(chan struct{})
	go func() {
		_, err := dx.ReadFrom(pr)
		assert.NoError(t, err)
		close(readDone)
	}()
	for _, seg := range segments {
		_, err := pw.Write([]byte(seg))
		require.NoError(t, err)
	}
	require.NoError(t, pw.Close())
	<-readDone
}

func awaited(t *testing.T, ch <-chan []byte) []byte {
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for assembled message")
		return nil
	}
}

func TestDemuxer_ReassemblesChunkedStream(t *testing.T) {
	dx := NewDemuxer()
	ch := dx.Await(1)
	feedDemuxer(t, dx, "1|0|Hel", "1|0|lo", "1|1|!")
	assert.Equal(t, "Hello!", string(awaited(t, ch)))
}

func TestDemuxer_IgnoresInterleavedStreams(t *testing.T) {
	dx := NewDemuxer()
	ch := dx.Await(1)
	feedDemuxer(t, dx,
		"1|0|Hel",
		"2|0|noise",
		"1|0|lo",
		"2|1|more noise",
		"3|1|unrelated",
		"1|1|!",
	)
	assert.Equal(t, "Hello!", string(awaited(t, ch)))
}

func TestDemuxer_BuffersFramesBeforeAwait(t *testing.T) {
	// a frame arriving before anyone awaits its stream is kept
	dx := NewDemuxer()
	feedDemuxer(t, dx, "4|0|ear", "4|1|ly")
	assert.Equal(t, "early", string(awaited(t, dx.Await(4))))
}

func TestDemuxer_PartialOnPeerClose(t *testing.T) {
	dx := NewDemuxer()
	ch := dx.Await(3)
	feedDemuxer(t, dx, "3|0|par") // no terminal frame before close
	assert.Equal(t, "par", string(awaited(t, ch)))
}

func TestDemuxer_EmptyOnPeerCloseWithoutFrames(t *testing.T) {
	dx := NewDemuxer()
	ch := dx.Await(9)
	feedDemuxer(t, dx)
	assert.Empty(t, awaited(t, ch))
}

func TestDemuxer_AwaitAfterClose(t *testing.T) {
	dx := NewDemuxer()
	feedDemuxer(t, dx)
	assert.Empty(t, awaited(t, dx.Await(1)))
}

func TestDemuxer_SkipsMalformedFrames(t *testing.T) {
	dx := NewDemuxer()
	ch := dx.Await(1)
	feedDemuxer(t, dx, "zz|9|junk", "1|0|still ", "1|3|bad flag", "1|1|works")
	assert.Equal(t, "still works", string(awaited(t, ch)))
}

func TestDemuxer_DropsFramesAfterFinal(t *testing.T) {
	dx := NewDemuxer()
	ch := dx.Await(1)
	feedDemuxer(t, dx, "1|1|done", "1|1|straggler")
	assert.Equal(t, "done", string(awaited(t, ch)))
}

func TestDemuxer_ReleasesCompletedStreamBodies(t *testing.T) {
	// completed streams must not keep their bodies alive for the life
	// of the connection
	const numStreams = 100
	dx := NewDemuxer()
	chans := make([]<-chan []byte, 0, numStreams)
	segments := make([]string, 0, numStreams)
	for i := 1; i <= numStreams; i++ {
		chans = append(chans, dx.Await(StreamID(i)))
		f := Frame{StreamID: StreamID(i), End: true, Payload: []byte("<h1>body</h1>")}
		segments = append(segments, string(f.Wire()))
	}
	feedDemuxer(t, dx, segments...)
	for _, ch := range chans {
		assert.Equal(t, "<h1>body</h1>", string(awaited(t, ch)))
	}
	dx.mu.Lock()
	defer dx.mu.Unlock()
	retained := 0
	for _, as := range dx.streams {
		retained += as.buf.Cap()
	}
	assert.Zero(t, retained)
}

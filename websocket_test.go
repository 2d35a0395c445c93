package muxrelay

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxy_OverWebsocketUpstream(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestFile(t, fs, "test.html", "<h1>hi</h1>")
	srv := &Server{Fs: fs}
	ts := httptest.NewServer(srv.WebsocketHandler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	p := NewProxy(wsURL)
	defer p.Close()

	resp := string(p.relay("GET / HTTP/1.1\r\n\r\n"))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"), resp)
	assert.True(t, strings.HasSuffix(resp, "\r\n\r\n<h1>hi</h1>"), resp)

	entry, ok := p.Cache.Lookup("test.html")
	require.True(t, ok)
	assert.Equal(t, "<h1>hi</h1>", string(entry.Content))
}

func TestDialWebsocket_FramedRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestFile(t, fs, "test.html", "<h1>hi</h1>")
	srv := &Server{Fs: fs}
	ts := httptest.NewServer(srv.WebsocketHandler())
	defer ts.Close()

	rwc, err := DialWebsocket("ws" + strings.TrimPrefix(ts.URL, "http"))
	require.NoError(t, err)
	defer rwc.Close()

	fw := NewFrameWriter(rwc)
	require.NoError(t, fw.WriteRaw([]byte("STREAM-ID: 5\r\nGET / HTTP/1.1\r\n\r\n")))

	dx := NewDemuxer()
	ch := dx.Await(5)
	go dx.ReadFrom(rwc)

	raw := awaited(t, ch)
	status, err := ParseResponseStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	_, body, ok := SplitResponse(raw)
	require.True(t, ok)
	assert.Equal(t, "<h1>hi</h1>", string(body))
}

func TestDialWebsocket_BadURL(t *testing.T) {
	_, err := DialWebsocket("ws://127.0.0.1:1/nowhere")
	assert.Error(t, err)
}

package muxrelay

const (
	// FrameDelimiter separates the three fields of a frame on the wire.
	// Payloads must not contain it; the framing has no escaping.
	FrameDelimiter = '|'
	// ProtocolVersion is the only HTTP version the relay pair speaks.
	// Requests declaring any other version are answered with 505.
	ProtocolVersion = "HTTP/1.1"
	// DefaultChunkSize is the largest frame payload the origin sends
	// unless configured otherwise.
	DefaultChunkSize = 512
	// DefaultReadBufferSize is the size of the per-connection receive
	// buffer unless configured otherwise.
	DefaultReadBufferSize = 4096
	// DefaultFilename is served when the root path is requested.
	DefaultFilename = "test.html"
	// DefaultRestrictedFilename always yields 403 when requested.
	DefaultRestrictedFilename = "private.html"
	// DefaultOriginAddr is the origin server's listen address.
	DefaultOriginAddr = "127.0.0.1:8080"
	// DefaultProxyAddr is the proxy's listen address.
	DefaultProxyAddr = "127.0.0.1:8081"
)

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// ErrServerClosed is returned by Serve after a call to Close.
var ErrServerClosed error = serverClosedError{}

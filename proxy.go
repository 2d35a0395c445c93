package muxrelay

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Proxy accepts plain HTTP requests from clients and forwards them to
// the origin over a single shared connection, one framed stream per
// request. Responses arriving interleaved on that connection are
// demultiplexed by stream id. The proxy keeps a cache of fetched files
// and turns repeat requests into conditional GETs; a 304 from the
// origin is answered from the cache. Clients always receive an
// HTTP-shaped response, never a raw frame.
//
// Over raw TCP the demultiplexer depends on one frame arriving per
// read, which TCP stops guaranteeing once a response outgrows
// ReadBufferSize. Point Upstream at a ws:// origin for transfers of
// that size; websocket messages keep frame boundaries intact.
type Proxy struct {
	Addr           string // TCP address to listen on, DefaultProxyAddr if empty
	Upstream       string // origin address, host:port or a ws:// URL
	DefaultFile    string // filename the root path maps to, DefaultFilename if empty
	ReadBufferSize int    // receive buffer size, DefaultReadBufferSize if zero

	// Cache is the origin cache shared by all client goroutines.
	// NewProxy allocates one.
	Cache *Cache

	ids StreamIDAllocator

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	doneChan  chan struct{}
	upstream  *upstreamConn
}

// upstreamConn is one live connection to the origin, shared by every
// in-flight client request. Writes go through the frame writer's lock;
// reads are owned by a single demuxer goroutine.
type upstreamConn struct {
	rwc  io.ReadWriteCloser
	fw   *FrameWriter
	dx   *Demuxer
	done chan struct{} // closed when the read loop exits
}

// NewProxy returns a Proxy forwarding to the given upstream address.
func NewProxy(upstream string) *Proxy {
	return &Proxy{
		Upstream: upstream,
		Cache:    NewCache(),
	}
}

// Listen announces on the local network address and records the
// resolved address in p.Addr.
func (p *Proxy) Listen(address string) (net.Listener, error) {
	if address == "" {
		address = DefaultProxyAddr
	}
	ln, err := net.Listen("tcp", address)
	if err == nil {
		p.Addr = ln.Addr().String()
	}
	return ln, err
}

// ListenAndServe listens on p.Addr and calls Serve.
func (p *Proxy) ListenAndServe() error {
	ln, err := p.Listen(p.Addr)
	if err != nil {
		return err
	}
	return p.Serve(ln)
}

// Serve accepts client connections on l, answering one request per
// connection. It returns ErrServerClosed after Close.
func (p *Proxy) Serve(l net.Listener) error {
	defer l.Close()
	p.trackListener(l, true)
	defer p.trackListener(l, false)
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-p.getDoneChan():
				return errors.WithStack(serverClosedError{})
			default:
			}
			return err
		}
		go p.serveClient(conn)
	}
}

// serveClient reads one request from a client connection, relays it
// upstream and writes back the response.
func (p *Proxy) serveClient(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, p.readBufferSize())
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && err != io.EOF {
			log.Debug().Err(err).Msg("client read failed")
		}
		return
	}

	resp := p.relay(string(buf[:n]))
	if _, werr := conn.Write(resp); werr != nil {
		log.Debug().Err(werr).Msg("client write failed")
	}
}

// relay produces the response for one raw client request. It never
// fails: anything unexpected becomes a 500 carrying the error text.
func (p *Proxy) relay(text string) (resp []byte) {
	defer func() {
		if r := recover(); r != nil {
			resp = BuildErrorResponse(http.StatusInternalServerError, fmt.Sprint(r))
		}
	}()
	resp, err := p.forward(text)
	if err != nil {
		log.Debug().Err(err).Msg("relay failed")
		return BuildErrorResponse(http.StatusInternalServerError, err.Error())
	}
	return resp
}

func (p *Proxy) forward(text string) ([]byte, error) {
	req, err := ParseRequest(strings.TrimSuffix(text, "\r\n\r\n"))
	if err != nil {
		return nil, err
	}
	if req.Version != ProtocolVersion {
		return BuildErrorResponse(http.StatusHTTPVersionNotSupported, ""), nil
	}

	name := strings.TrimPrefix(req.Path, "/")
	if name == "" {
		name = p.defaultFile()
	}
	entry, cached := p.Cache.Lookup(name)

	id := p.ids.Next()
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d\r\n", streamIDHeader, id)
	fmt.Fprintf(&b, "GET %s %s\r\n", req.Path, ProtocolVersion)
	if cached {
		fmt.Fprintf(&b, "If-Modified-Since: %s\r\n", entry.LastModified)
	}
	b.WriteString("\r\n")

	up, err := p.getUpstream()
	if err != nil {
		return nil, err
	}
	ch := up.dx.Await(id)
	log.Debug().Stringer("stream", id).Str("file", name).Bool("conditional", cached).Msg("forwarding")
	if err := up.fw.WriteRaw(b.Bytes()); err != nil {
		p.dropUpstream(up)
		return nil, err
	}

	raw := <-ch
	status, err := ParseResponseStatus(raw)
	if err != nil {
		return nil, errors.Wrap(err, "upstream response")
	}

	switch status {
	case http.StatusOK:
		head, body, _ := SplitResponse(raw)
		lastModified := ResponseHeader(head, "Last-Modified")
		if lastModified == "" {
			lastModified = HTTPDate(time.Now())
		}
		p.Cache.Store(name, lastModified, body)
		return BuildResponse(http.StatusOK, body), nil
	case http.StatusNotModified:
		entry, ok := p.Cache.Lookup(name)
		if !ok {
			return nil, errors.Errorf("origin sent 304 for %q but nothing is cached", name)
		}
		return BuildResponse(http.StatusOK, entry.Content), nil
	default:
		// other statuses are relayed unmodified
		return raw, nil
	}
}

// getUpstream returns the shared origin connection, dialing a new one
// when none is live.
func (p *Proxy) getUpstream() (*upstreamConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if up := p.upstream; up != nil {
		select {
		case <-up.done:
			// read loop exited; dial a fresh connection
		default:
			return up, nil
		}
	}

	rwc, err := p.dial()
	if err != nil {
		return nil, err
	}
	up := &upstreamConn{
		rwc:  rwc,
		fw:   NewFrameWriter(rwc),
		dx:   NewDemuxer(),
		done: make(chan struct{}),
	}
	up.dx.ReadBufferSize = p.readBufferSize()
	go func() {
		if _, err := up.dx.ReadFrom(rwc); err != nil {
			log.Debug().Err(err).Msg("upstream read loop ended")
		}
		close(up.done)
	}()
	p.upstream = up
	return up, nil
}

func (p *Proxy) dial() (io.ReadWriteCloser, error) {
	if strings.HasPrefix(p.Upstream, "ws://") || strings.HasPrefix(p.Upstream, "wss://") {
		return DialWebsocket(p.Upstream)
	}
	conn, err := net.Dial("tcp", p.Upstream)
	return conn, errors.WithStack(err)
}

// dropUpstream closes the given connection so the next request dials a
// new one. A no-op when a different connection is already current.
func (p *Proxy) dropUpstream(up *upstreamConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upstream == up {
		p.upstream = nil
	}
	up.rwc.Close()
}

// Close immediately closes all listeners and the upstream connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeDoneChanLocked()
	var result *multierror.Error
	for ln := range p.listeners {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(p.listeners, ln)
	}
	if p.upstream != nil {
		if err := p.upstream.rwc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		p.upstream = nil
	}
	return result.ErrorOrNil()
}

func (p *Proxy) trackListener(ln net.Listener, add bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners == nil {
		p.listeners = make(map[net.Listener]struct{})
	}
	if add {
		p.listeners[ln] = struct{}{}
	} else {
		delete(p.listeners, ln)
	}
}

func (p *Proxy) getDoneChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doneChan == nil {
		p.doneChan = make(chan struct{})
	}
	return p.doneChan
}

func (p *Proxy) closeDoneChanLocked() {
	if p.doneChan == nil {
		p.doneChan = make(chan struct{})
	}
	select {
	case <-p.doneChan:
	default:
		close(p.doneChan)
	}
}

func (p *Proxy) defaultFile() string {
	if p.DefaultFile != "" {
		return p.DefaultFile
	}
	return DefaultFilename
}

func (p *Proxy) readBufferSize() int {
	if p.ReadBufferSize > 0 {
		return p.ReadBufferSize
	}
	return DefaultReadBufferSize
}

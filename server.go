package muxrelay

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Server is the origin: it serves files off a filesystem and answers
// conditional GETs. Each accepted connection runs a read loop that
// splits off complete requests at the blank-line separator and hands
// every request to its own goroutine, so multiple requests multiplexed
// onto one connection make independent progress. Requests carrying a
// STREAM-ID line are answered in framed form, chunked to ChunkSize;
// all others get one unframed write. Framed replies rely on the peer
// reading whole frames per receive; for responses larger than the
// peer's receive buffer, serve over the websocket transport
// (WebsocketHandler), which keeps frame boundaries intact.
type Server struct {
	Addr           string   // TCP address to listen on, DefaultOriginAddr if empty
	Root           string   // directory files are served from, "." if empty
	Fs             afero.Fs // filesystem to serve from, the OS filesystem if nil
	DefaultFile    string   // served for the root path, DefaultFilename if empty
	RestrictedFile string   // always answered with 403, DefaultRestrictedFilename if empty
	ChunkSize      int      // largest frame payload, DefaultChunkSize if zero
	ReadBufferSize int      // receive buffer size, DefaultReadBufferSize if zero

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[io.Closer]struct{}
	doneChan  chan struct{}
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted network
// connections so dead peers eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// Listen announces on the local network address and records the
// resolved address in srv.Addr.
func (srv *Server) Listen(address string) (net.Listener, error) {
	if address == "" {
		address = DefaultOriginAddr
	}
	ln, err := net.Listen("tcp", address)
	if err == nil {
		srv.Addr = ln.Addr().String()
		ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
	}
	return ln, err
}

// ListenAndServe listens on srv.Addr and calls Serve.
func (srv *Server) ListenAndServe() error {
	ln, err := srv.Listen(srv.Addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

// Serve accepts incoming connections on l, running a service goroutine
// for each. It returns ErrServerClosed after Close.
func (srv *Server) Serve(l net.Listener) error {
	defer l.Close()
	srv.trackListener(l, true)
	defer srv.trackListener(l, false)

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return errors.WithStack(serverClosedError{})
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go srv.ServeConn(conn)
	}
}

// ServeConn runs the request dispatcher over one established
// connection until the peer closes it. The connection may be any byte
// stream, not only TCP; the websocket transport uses this directly.
func (srv *Server) ServeConn(rwc io.ReadWriteCloser) {
	srv.trackConn(rwc, true)
	defer srv.trackConn(rwc, false)
	defer rwc.Close()

	fw := NewFrameWriter(rwc)
	buf := make([]byte, srv.readBufferSize())
	var pending []byte
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		n, err := rwc.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			// split off every complete request currently buffered
			for {
				idx := bytes.Index(pending, []byte("\r\n\r\n"))
				if idx < 0 {
					break
				}
				text := string(pending[:idx])
				pending = pending[idx+4:]
				wg.Add(1)
				go func() {
					defer wg.Done()
					srv.handleRequest(fw, text)
				}()
			}
		}
		if err != nil {
			return
		}
	}
}

// handleRequest produces and writes the response for one request text.
// Requests with a STREAM-ID line are answered framed; all errors are
// converted to a 500 so the handling goroutine never dies silently.
func (srv *Server) handleRequest(fw *FrameWriter, text string) {
	id, clean, framed := SplitStreamID(text)
	resp := srv.respond(clean)

	var err error
	if framed {
		err = fw.WriteMessage(id, resp, srv.chunkSize())
	} else {
		err = fw.WriteRaw(resp)
	}
	if err != nil {
		log.Debug().Err(err).Stringer("stream", id).Msg("response write failed")
	}
}

// respond maps one request to a complete response. It never fails:
// anything unexpected becomes a 500 carrying the error text.
func (srv *Server) respond(text string) (resp []byte) {
	defer func() {
		if r := recover(); r != nil {
			resp = BuildErrorResponse(http.StatusInternalServerError, fmt.Sprint(r))
		}
	}()

	req, err := ParseRequest(text)
	if err != nil {
		return BuildErrorResponse(http.StatusInternalServerError, err.Error())
	}
	if req.Version != ProtocolVersion {
		return BuildErrorResponse(http.StatusHTTPVersionNotSupported, "")
	}

	name := strings.TrimPrefix(req.Path, "/")
	if name == "" {
		name = srv.defaultFile()
	}
	log.Debug().Str("method", req.Method).Str("file", name).Msg("origin request")

	if name == srv.restrictedFile() {
		return BuildErrorResponse(http.StatusForbidden, "")
	}

	fs := srv.fs()
	full := filepath.Join(srv.root(), name)
	fi, err := fs.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return BuildErrorResponse(http.StatusNotFound, "")
		}
		return BuildErrorResponse(http.StatusInternalServerError, err.Error())
	}

	if ims := req.Header("If-Modified-Since"); ims != "" {
		since, perr := time.Parse(http.TimeFormat, ims)
		if perr != nil {
			return BuildErrorResponse(http.StatusInternalServerError, perr.Error())
		}
		if !fi.ModTime().UTC().Truncate(time.Second).After(since) {
			return BuildResponse(http.StatusNotModified, nil)
		}
	}

	body, err := afero.ReadFile(fs, full)
	if err != nil {
		return BuildErrorResponse(http.StatusInternalServerError, err.Error())
	}
	return BuildResponse(http.StatusOK, body, "Last-Modified: "+HTTPDate(fi.ModTime()))
}

// Close immediately closes all listeners and active connections.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.closeDoneChanLocked()
	var result *multierror.Error
	for ln := range srv.listeners {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(srv.listeners, ln)
	}
	for c := range srv.conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(srv.conns, c)
	}
	return result.ErrorOrNil()
}

func (srv *Server) trackListener(ln net.Listener, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
}

func (srv *Server) trackConn(c io.Closer, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.conns == nil {
		srv.conns = make(map[io.Closer]struct{})
	}
	if add {
		srv.conns[c] = struct{}{}
	} else {
		delete(srv.conns, c)
	}
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (srv *Server) fs() afero.Fs {
	if srv.Fs != nil {
		return srv.Fs
	}
	return afero.NewOsFs()
}

func (srv *Server) root() string {
	if srv.Root != "" {
		return srv.Root
	}
	return "."
}

func (srv *Server) defaultFile() string {
	if srv.DefaultFile != "" {
		return srv.DefaultFile
	}
	return DefaultFilename
}

func (srv *Server) restrictedFile() string {
	if srv.RestrictedFile != "" {
		return srv.RestrictedFile
	}
	return DefaultRestrictedFilename
}

func (srv *Server) chunkSize() int {
	if srv.ChunkSize > 0 {
		return srv.ChunkSize
	}
	return DefaultChunkSize
}

func (srv *Server) readBufferSize() int {
	if srv.ReadBufferSize > 0 {
		return srv.ReadBufferSize
	}
	return DefaultReadBufferSize
}

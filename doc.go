/*
Package muxrelay implements a small HTTP relay pair: an origin file
server and a forwarding proxy in front of it, speaking a stream
multiplexing framing protocol over plain byte-stream connections.

A frame is the basic wire unit and carries a stream id, an end flag and
a payload slice. Many logical request/response exchanges (streams)
share one underlying connection; the origin chunks each framed response
into fixed-size frames and writes them under a per-connection lock, so
a slow response never blocks a fast one queued behind it on the same
wire. The proxy demultiplexes the interleaved frames back into complete
responses by stream id.

The proxy keeps an in-memory cache of every file it has fetched, keyed
by filename, and attaches an If-Modified-Since header to subsequent
requests for the same file. When the origin answers 304 the proxy
serves the cached body without transferring it again.
*/
package muxrelay

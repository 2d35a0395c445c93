package muxrelay

// FrameParser extracts complete frames from an accumulating byte
// buffer. One instance serves one connection read loop; it is not safe
// for concurrent use.
//
// The wire format has no length prefix. Since payloads must not
// contain the delimiter, any delimiter beyond a frame's second one can
// only belong to the next frame's header, so a payload ends where the
// digits of the next stream id begin. The last frame in the buffer is
// closed by the read boundary instead, which holds only while each
// Feed carries whole frames. A transport that coalesces sends, raw TCP
// once pending bytes exceed the receive buffer, can split a Read
// mid-frame: the truncated payload is emitted as a complete frame and
// its tail corrupts the next header. Transfers larger than the receive
// buffer need a message-oriented transport such as the websocket one.
type FrameParser struct {
	buf     []byte
	skipped int
}

// Feed appends newly received bytes to the parse buffer.
func (p *FrameParser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Buffered returns the number of bytes held but not yet consumed.
func (p *FrameParser) Buffered() int {
	return len(p.buf)
}

// Skipped returns the number of malformed frames discarded so far.
func (p *FrameParser) Skipped() int {
	return p.skipped
}

// Next returns the next complete frame in the buffer. It returns
// ok == false once the buffer holds no complete frame; call Feed and
// retry when more bytes arrive. Malformed frames are discarded and
// counted, and parsing continues with the following frame.
func (p *FrameParser) Next() (f Frame, ok bool) {
	for {
		end, complete := p.bounds()
		if !complete {
			return Frame{}, false
		}
		raw := p.buf[:end]
		p.buf = p.buf[end:]
		f, err := DecodeFrame(raw)
		if err != nil {
			p.skipped++
			continue
		}
		return f, true
	}
}

// bounds locates the end of the frame at the front of the buffer.
// A frame is determinable once two delimiters are present.
func (p *FrameParser) bounds() (end int, complete bool) {
	i := indexDelim(p.buf, 0)
	if i < 0 {
		return 0, false
	}
	j := indexDelim(p.buf, i+1)
	if j < 0 {
		return 0, false
	}
	// A third delimiter belongs to the next frame's header; back up
	// over the stream id digits in front of it to find the boundary.
	if k := indexDelim(p.buf, j+1); k >= 0 {
		s := k
		for s > j+1 && isDigit(p.buf[s-1]) {
			s--
		}
		return s, true
	}
	return len(p.buf), true
}

func indexDelim(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == FrameDelimiter {
			return i
		}
	}
	return -1
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

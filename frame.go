package muxrelay

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// StreamID identifies one logical request/response exchange. Multiple
// streams may be in flight concurrently on the same connection.
type StreamID uint64

func (id StreamID) String() string {
	return fmt.Sprintf("[Stream %d]", uint64(id))
}

// MalformedFrameError reports a frame whose stream id or end flag could
// not be parsed. Such frames are skipped; the condition is local to one
// frame and never aborts the connection.
type MalformedFrameError struct {
	Reason string
}

func (e MalformedFrameError) Error() string {
	return "malformed frame: " + e.Reason
}

// Frame is the wire unit: "<streamId>|<endFlag>|<payload>". The end
// flag is 1 on the final frame of a stream and 0 otherwise. The payload
// is an arbitrary-length slice of a larger logical message.
type Frame struct {
	StreamID StreamID
	End      bool
	Payload  []byte
}

func (f Frame) String() string {
	end := "..."
	if f.End {
		end = "END"
	}
	return fmt.Sprintf("[Frame %d %s %d]", uint64(f.StreamID), end, len(f.Payload))
}

// AppendWire appends the wire encoding of f to b and returns the
// extended slice.
func (f Frame) AppendWire(b []byte) []byte {
	b = strconv.AppendUint(b, uint64(f.StreamID), 10)
	b = append(b, FrameDelimiter)
	if f.End {
		b = append(b, '1')
	} else {
		b = append(b, '0')
	}
	b = append(b, FrameDelimiter)
	return append(b, f.Payload...)
}

// Wire returns the wire encoding of f.
func (f Frame) Wire() []byte {
	return f.AppendWire(make([]byte, 0, len(f.Payload)+16))
}

// DecodeFrame decodes buf, which must hold exactly one complete frame.
// It returns a MalformedFrameError when the stream id or end flag do
// not parse, or when the end flag is an integer other than 0 or 1.
func DecodeFrame(buf []byte) (Frame, error) {
	i := bytes.IndexByte(buf, FrameDelimiter)
	if i < 0 {
		return Frame{}, errors.WithStack(MalformedFrameError{Reason: "missing stream id delimiter"})
	}
	j := bytes.IndexByte(buf[i+1:], FrameDelimiter)
	if j < 0 {
		return Frame{}, errors.WithStack(MalformedFrameError{Reason: "missing end flag delimiter"})
	}
	j += i + 1

	id, err := strconv.ParseUint(string(buf[:i]), 10, 64)
	if err != nil || id == 0 {
		return Frame{}, errors.WithStack(MalformedFrameError{Reason: fmt.Sprintf("stream id %q", buf[:i])})
	}
	flag, err := strconv.Atoi(string(buf[i+1 : j]))
	if err != nil || (flag != 0 && flag != 1) {
		return Frame{}, errors.WithStack(MalformedFrameError{Reason: fmt.Sprintf("end flag %q", buf[i+1:j])})
	}

	return Frame{
		StreamID: StreamID(id),
		End:      flag == 1,
		Payload:  buf[j+1:],
	}, nil
}

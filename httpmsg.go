package muxrelay

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// serverName is the Server header value on generated responses.
const serverName = "muxrelay/1.0"

// streamIDHeader is the optional leading request line that switches the
// origin's reply to framed delivery.
const streamIDHeader = "STREAM-ID:"

// errorBodies are the fixed HTML bodies for generated error responses.
var errorBodies = map[int]string{
	http.StatusForbidden:               "<h1>403 Forbidden</h1>",
	http.StatusNotFound:                "<h1>404 Not Found</h1>",
	http.StatusInternalServerError:     "<h1>500 Internal Server Error</h1>",
	http.StatusHTTPVersionNotSupported: "<h1>505 HTTP Version Not Supported</h1>",
}

// Request is the parsed form of a relayed HTTP request: the request
// line tokens plus the raw header lines that followed it.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers []string
}

// ParseRequest splits raw request text, without the blank-line
// terminator, into its request line and header lines.
func ParseRequest(text string) (Request, error) {
	lines := strings.Split(text, "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		return Request{}, errors.Errorf("malformed request line %q", lines[0])
	}
	return Request{
		Method:  fields[0],
		Path:    fields[1],
		Version: fields[2],
		Headers: lines[1:],
	}, nil
}

// Header returns the value of the named header, or "" when absent.
// Header names are matched case-insensitively.
func (r *Request) Header(name string) string {
	prefix := strings.ToLower(name) + ":"
	for _, line := range r.Headers {
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return ""
}

// SplitStreamID removes a leading "STREAM-ID: <n>" line from raw
// request text, returning the id and the remaining text. When the line
// is absent or its value does not parse, ok is false and the text is
// returned unchanged.
func SplitStreamID(text string) (id StreamID, rest string, ok bool) {
	if !strings.HasPrefix(text, streamIDHeader) {
		return 0, text, false
	}
	line := text
	rest = ""
	if i := strings.Index(text, "\r\n"); i >= 0 {
		line, rest = text[:i], text[i+2:]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(line[len(streamIDHeader):]), 10, 64)
	if err != nil || n == 0 {
		return 0, text, false
	}
	return StreamID(n), rest, true
}

// BuildResponse renders a response in the relay's fixed shape: status
// line, Date and Server headers, any extra pre-formatted header lines,
// and for nonempty bodies Content-Length and Content-Type.
func BuildResponse(status int, body []byte, extraHeaders ...string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d %s\r\n", ProtocolVersion, status, http.StatusText(status))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Server: %s\r\n", serverName)
	for _, h := range extraHeaders {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
		b.WriteString("Content-Type: text/html\r\n")
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// BuildErrorResponse renders the fixed HTML body for an error status.
// For 500s the diagnostic text is embedded in the body so the client
// sees what failed instead of a bare status.
func BuildErrorResponse(status int, diagnostic string) []byte {
	body := errorBodies[status]
	if status == http.StatusInternalServerError && diagnostic != "" {
		body += "<p>" + diagnostic + "</p>"
	}
	return BuildResponse(status, []byte(body))
}

// ParseResponseStatus extracts the status code from raw response bytes.
func ParseResponseStatus(raw []byte) (int, error) {
	line := raw
	if i := bytes.Index(raw, []byte("\r\n")); i >= 0 {
		line = raw[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return 0, errors.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, errors.Wrapf(err, "malformed status code %q", fields[1])
	}
	return code, nil
}

// SplitResponse splits raw response bytes into header and body at the
// first blank line. ok is false when no blank line is present.
func SplitResponse(raw []byte) (head, body []byte, ok bool) {
	i := bytes.Index(raw, []byte("\r\n\r\n"))
	if i < 0 {
		return raw, nil, false
	}
	return raw[:i], raw[i+4:], true
}

// ResponseHeader returns the value of the named header within head, or
// "" when absent. Header names are matched case-insensitively.
func ResponseHeader(head []byte, name string) string {
	prefix := strings.ToLower(name) + ":"
	for _, line := range strings.Split(string(head), "\r\n") {
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return ""
}

// HTTPDate formats t as an RFC 1123 GMT date, the format used by the
// Date, Last-Modified and If-Modified-Since headers.
func HTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

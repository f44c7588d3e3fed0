package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Paths accepted by the server. Older content servers send /weather.json.
const (
	PathWeather     = "/weather"
	PathWeatherJSON = "/weather.json"
)

// Request is one parsed client request.
type Request struct {
	Method  string
	Path    string
	Version string
	Header  textproto.MIMEHeader

	// Clock is the peer's Lamport-Clock value, 0 when the header was absent
	// or unusable.
	Clock    int64
	HasClock bool

	Body []byte
}

// ReadRequestHead reads the request line and headers. It returns io.EOF when
// the peer closed, or sent an empty first line, before any request; that is
// not an error worth reporting. Shape errors wrap ErrMalformedRequest.
func ReadRequestHead(br *bufio.Reader, lim Limits) (*Request, error) {
	lim = lim.withDefaults()

	line, err := readLine(br, lim.MaxLineBytes)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return nil, fmt.Errorf("%w: request line: %v", ErrMalformedRequest, err)
		}
		return nil, err
	}
	if strings.TrimSpace(line) == "" {
		return nil, io.EOF
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	req.Header, err = readHeaders(br, lim)
	if err != nil {
		if errors.Is(err, errLineTooLong) || errors.Is(err, errTooMany) {
			return nil, fmt.Errorf("%w: headers: %v", ErrMalformedRequest, err)
		}
		return nil, err
	}
	req.Clock, req.HasClock = clockValue(req.Header)
	return req, nil
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	method, path, version := parts[0], parts[1], parts[2]

	switch method {
	case http.MethodGet, http.MethodPut:
	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrMalformedRequest, method)
	}
	if path != PathWeather && path != PathWeatherJSON {
		return nil, fmt.Errorf("%w: unknown path %q", ErrMalformedRequest, path)
	}
	if !strings.HasPrefix(version, "HTTP/") {
		return nil, fmt.Errorf("%w: bad version %q", ErrMalformedRequest, version)
	}

	return &Request{Method: method, Path: path, Version: version}, nil
}

// ReadBody fills r.Body. With a Content-Length header exactly that many
// bytes are read; otherwise lines are consumed until EOF or an empty line.
func (r *Request) ReadBody(br *bufio.Reader, lim Limits) error {
	lim = lim.withDefaults()

	n, err := contentLength(r.Header, lim.MaxBodyBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	var body []byte
	if n >= 0 {
		body, err = readFramedBody(br, n)
	} else {
		body, err = readLineBody(br, lim)
	}
	if err != nil {
		if errors.Is(err, errBodyTooBig) {
			return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		return err
	}
	r.Body = body
	return nil
}

// NewRequest builds a request for the weather path.
func NewRequest(method string, clock int64, body []byte) *Request {
	h := make(textproto.MIMEHeader)
	if len(body) > 0 {
		h.Set(HeaderContentType, ContentTypeJSON)
	}
	return &Request{
		Method:   method,
		Path:     PathWeather,
		Version:  "HTTP/1.1",
		Header:   h,
		Clock:    clock,
		HasClock: true,
		Body:     body,
	}
}

// WriteTo serializes the request. Lamport-Clock and Content-Length are
// derived from Clock and Body and override any header of the same name.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	fmt.Fprintf(cw, "%s %s %s\r\n", r.Method, r.Path, r.Version)
	writeHeaders(cw, r.Header)
	if r.HasClock {
		fmt.Fprintf(cw, "%s: %d\r\n", HeaderClock, r.Clock)
	}
	if r.Method == http.MethodPut || len(r.Body) > 0 {
		fmt.Fprintf(cw, "%s: %s\r\n", HeaderContentLength, strconv.Itoa(len(r.Body)))
	}
	io.WriteString(cw, "\r\n")
	cw.Write(r.Body)

	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, bw.Flush()
}

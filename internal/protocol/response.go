package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

// Response is a status, the sender's clock and an optional body.
type Response struct {
	StatusCode  int
	Clock       int64
	HasClock    bool
	ContentType string
	Body        []byte
}

// WriteTo writes the status line, headers and body, then flushes.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	fmt.Fprintf(cw, "HTTP/1.1 %d %s\r\n", r.StatusCode, http.StatusText(r.StatusCode))
	if r.ContentType != "" {
		fmt.Fprintf(cw, "%s: %s\r\n", HeaderContentType, r.ContentType)
	}
	fmt.Fprintf(cw, "%s: %d\r\n", HeaderClock, r.Clock)
	fmt.Fprintf(cw, "%s: %d\r\n", HeaderContentLength, len(r.Body))
	io.WriteString(cw, "\r\n")
	cw.Write(r.Body)

	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, bw.Flush()
}

// ReadResponse parses a server response. Without Content-Length the body
// runs to EOF.
func ReadResponse(br *bufio.Reader, lim Limits) (*Response, error) {
	lim = lim.withDefaults()

	line, err := readLine(br, lim.MaxLineBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: connection closed before status line", ErrMalformedResponse)
		}
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedResponse, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedResponse, parts[1])
	}

	h, err := readHeaders(br, lim)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	resp := &Response{StatusCode: code, ContentType: h.Get(HeaderContentType)}
	resp.Clock, resp.HasClock = clockValue(h)

	n, err := contentLength(h, lim.MaxBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if n >= 0 {
		resp.Body, err = readFramedBody(br, n)
	} else {
		resp.Body, err = io.ReadAll(io.LimitReader(br, lim.MaxBodyBytes))
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func writeHeaders(w io.Writer, h textproto.MIMEHeader) {
	names := make([]string, 0, len(h))
	for name := range h {
		switch name {
		case HeaderClock, HeaderContentLength:
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range h[name] {
			fmt.Fprintf(w, "%s: %s\r\n", name, v)
		}
	}
}

// countingWriter remembers the first error so a sequence of writes can be
// checked once.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

const (
	HeaderClock         = "Lamport-Clock"
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"

	ContentTypeJSON = "application/json"

	DefaultMaxHeaderLines = 64
	DefaultMaxLineBytes   = 8 << 10
	DefaultMaxBodyBytes   = 1 << 20
)

var (
	// ErrMalformedRequest covers an unrecognized request line, too many
	// header lines, an oversized line or an unusable body framing.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrMalformedResponse is the client-side counterpart.
	ErrMalformedResponse = errors.New("malformed response")

	errLineTooLong = errors.New("line too long")
	errTooMany     = errors.New("too many header lines")
	errBodyTooBig  = errors.New("body too large")
)

// Limits bounds what a reader will accept from a peer.
type Limits struct {
	MaxHeaderLines int
	MaxLineBytes   int
	MaxBodyBytes   int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderLines: DefaultMaxHeaderLines,
		MaxLineBytes:   DefaultMaxLineBytes,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxHeaderLines <= 0 {
		l.MaxHeaderLines = d.MaxHeaderLines
	}
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = d.MaxLineBytes
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = d.MaxBodyBytes
	}
	return l
}

// readLine returns one line without its terminator. A final line that ends
// at EOF without a newline is returned with a nil error; the next call
// reports io.EOF.
func readLine(br *bufio.Reader, max int) (string, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(buf)+len(frag) > max {
			return "", errLineTooLong
		}
		buf = append(buf, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				break
			}
			return "", err
		}
		break
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// readHeaders consumes header lines up to the first empty line or EOF.
// Lines without a colon are skipped.
func readHeaders(br *bufio.Reader, lim Limits) (textproto.MIMEHeader, error) {
	h := make(textproto.MIMEHeader)
	for n := 0; ; n++ {
		line, err := readLine(br, lim.MaxLineBytes)
		if errors.Is(err, io.EOF) {
			return h, nil
		}
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if n >= lim.MaxHeaderLines {
			return nil, errTooMany
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		h.Add(name, strings.TrimSpace(value))
	}
}

// clockValue extracts a non-negative Lamport-Clock value. A missing or
// unparsable header yields (0, false).
func clockValue(h textproto.MIMEHeader) (int64, bool) {
	v := h.Get(HeaderClock)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// contentLength returns the declared body length, or -1 when absent.
func contentLength(h textproto.MIMEHeader, max int64) (int64, error) {
	v := h.Get(HeaderContentLength)
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", HeaderContentLength, v)
	}
	if n > max {
		return 0, errBodyTooBig
	}
	return n, nil
}

// readFramedBody reads exactly n bytes. A peer that closes early is
// tolerated and whatever arrived is returned.
func readFramedBody(br *bufio.Reader, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(br, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// readLineBody reads body lines until EOF, or until an empty line once some
// content has been seen. Leading empty lines are skipped.
func readLineBody(br *bufio.Reader, lim Limits) ([]byte, error) {
	var body []byte
	for {
		line, err := readLine(br, int(lim.MaxBodyBytes))
		if errors.Is(err, io.EOF) {
			return body, nil
		}
		if errors.Is(err, errLineTooLong) {
			return nil, errBodyTooBig
		}
		if err != nil {
			return nil, err
		}
		if line == "" {
			if len(body) > 0 {
				return body, nil
			}
			continue
		}
		if int64(len(body)+len(line)+1) > lim.MaxBodyBytes {
			return nil, errBodyTooBig
		}
		if len(body) > 0 {
			body = append(body, '\n')
		}
		body = append(body, line...)
	}
}

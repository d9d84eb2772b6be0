// Package http1 holds the wire-level primitives of the client: reading
// response heads and trailer blocks, and encoding/decoding chunked bodies.
package http1

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/model"
)

// Head is a parsed response status line plus header block.
type Head struct {
	Status  int
	Reason  string
	Headers []model.Header

	// KeepAlive reflects the protocol version and connection header only;
	// the client applies its own keep-alive policy on top.
	KeepAlive bool
	// ContentLength is -1 when absent or when the body is chunked; a
	// malformed value is a parse error.
	ContentLength int64
	Chunked       bool
	// HeaderBytes is the byte size of the head consumed from the reader.
	HeaderBytes int
}

// ReadHead reads a status line and header block from br, enforcing limit as
// the total byte budget for the head.
func ReadHead(br *bufio.Reader, limit int) (*Head, error) {
	budget := limit
	line, err := readLine(br, &budget, limit)
	if err != nil {
		return nil, err
	}
	h := &Head{ContentLength: -1}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, errs.NewParse("malformed status line %q", line)
	}
	switch proto {
	case "HTTP/1.1":
		h.KeepAlive = true
	case "HTTP/1.0":
		h.KeepAlive = false
	default:
		return nil, errs.NewParse("unsupported protocol %q", proto)
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return nil, errs.NewParse("malformed status code %q", code)
	}
	h.Status, err = strconv.Atoi(code)
	if err != nil || h.Status < 100 {
		return nil, errs.NewParse("malformed status code %q", code)
	}
	h.Reason = reason

	h.Headers, err = readHeaderBlock(br, &budget, limit)
	if err != nil {
		return nil, err
	}
	h.HeaderBytes = limit - budget

	// Hardening against response smuggling, multiple differing
	// content-length values are fatal.
	sawCL := false
	for _, hd := range h.Headers {
		switch {
		case headerIs(hd.Name, "content-length"):
			n, perr := strconv.ParseInt(strings.TrimSpace(hd.Value), 10, 64)
			if perr != nil || n < 0 {
				return nil, errs.NewParse("malformed content-length %q", hd.Value)
			}
			if sawCL && n != h.ContentLength {
				return nil, errs.NewParse("conflicting content-length headers")
			}
			sawCL = true
			h.ContentLength = n
		case headerIs(hd.Name, "transfer-encoding"):
			if strings.Contains(strings.ToLower(hd.Value), "chunked") {
				h.Chunked = true
			}
		case headerIs(hd.Name, "connection"):
			v := strings.ToLower(hd.Value)
			if strings.Contains(v, "close") {
				h.KeepAlive = false
			} else if strings.Contains(v, "keep-alive") {
				h.KeepAlive = true
			}
		}
	}
	if h.Chunked {
		h.ContentLength = -1
	}
	return h, nil
}

// ReadTrailers reads a trailing header block (after the last chunk) up to
// limit bytes.
func ReadTrailers(br *bufio.Reader, limit int) ([]model.Header, error) {
	budget := limit
	return readHeaderBlock(br, &budget, limit)
}

func readHeaderBlock(br *bufio.Reader, budget *int, limit int) ([]model.Header, error) {
	var hh []model.Header
	for {
		line, err := readLine(br, budget, limit)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return hh, nil
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, errs.NewParse("malformed header line %q", line)
		}
		hh = append(hh, model.Header{
			Name:  strings.TrimSpace(line[:i]),
			Value: strings.TrimSpace(line[i+1:]),
		})
	}
}

// readLine reads one CRLF (or bare LF) terminated line, charging the bytes
// consumed against budget.
func readLine(br *bufio.Reader, budget *int, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		*budget--
		if *budget < 0 {
			return "", errs.NewHeadersOverflow(limit)
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
	}
	return sb.String(), nil
}

func headerIs(name, lower string) bool {
	if len(name) != len(lower) {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}

// ParseKeepAlive extracts the timeout parameter of a Keep-Alive header value,
// returning -1 when absent.
func ParseKeepAlive(v string) int {
	for _, part := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), "timeout") {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n >= 0 {
				return n
			}
		}
	}
	return -1
}

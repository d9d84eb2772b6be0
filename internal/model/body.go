package model

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// BodyKind tells the writer which framing a request body needs.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyBuffer
	BodyStream
)

// Body is the normalized request body. Buffer bodies are captured up front
// with a known length; stream bodies are lazy, finite and non-restartable,
// read by the writer with natural back-pressure.
type Body struct {
	Kind   BodyKind
	Buf    []byte
	Stream io.Reader
	// Length is the byte count for buffers, the declared content-length for
	// streams, or -1 when unknown.
	Length int64
}

// normalizeBody accepts the supported body types. declaredLen is the numeric
// content-length captured from the caller's headers, or -1.
//
// Same shape as teacher request preparation: concrete buffer-like types are
// snapshotted with their length, everything else must be an io.Reader.
func normalizeBody(body any, declaredLen int64) (*Body, error) {
	switch b := body.(type) {
	case nil:
		return &Body{Kind: BodyNone, Length: declaredLen}, nil
	case string:
		return &Body{Kind: BodyBuffer, Buf: []byte(b), Length: int64(len(b))}, nil
	case []byte:
		return &Body{Kind: BodyBuffer, Buf: b, Length: int64(len(b))}, nil
	case *bytes.Buffer:
		return &Body{Kind: BodyBuffer, Buf: b.Bytes(), Length: int64(b.Len())}, nil
	case *bytes.Reader:
		buf := make([]byte, b.Len())
		io.ReadFull(b, buf)
		return &Body{Kind: BodyBuffer, Buf: buf, Length: int64(len(buf))}, nil
	case *strings.Reader:
		buf := make([]byte, b.Len())
		io.ReadFull(b, buf)
		return &Body{Kind: BodyBuffer, Buf: buf, Length: int64(len(buf))}, nil
	case io.Reader:
		return &Body{Kind: BodyStream, Stream: b, Length: declaredLen}, nil
	default:
		return nil, fmt.Errorf("unsupported body type: %T", body)
	}
}

// ProbeBody classifies body without consuming it.
func ProbeBody(body any) (BodyKind, error) {
	switch body.(type) {
	case nil:
		return BodyNone, nil
	case string, []byte, *bytes.Buffer, *bytes.Reader, *strings.Reader:
		return BodyBuffer, nil
	case io.Reader:
		return BodyStream, nil
	default:
		return BodyNone, fmt.Errorf("unsupported body type: %T", body)
	}
}

// Close releases the stream if it is closable. Safe on any kind.
func (b *Body) Close() error {
	if b == nil || b.Kind != BodyStream {
		return nil
	}
	if c, ok := b.Stream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Package completion opens streaming chat completions against model providers
// and exposes them as pull-based readers.
package completion

import (
	"context"
	"errors"
	"io"

	"github.com/af-corp/aegis-assistant/internal/types"
)

// Format is the framing of a Stream's body.
type Format string

const (
	// FormatText bodies carry the completion content as plain text.
	FormatText Format = "text"
	// FormatSSE bodies are the provider's raw server-sent events.
	FormatSSE Format = "sse"
)

// Transport opens one streaming completion.
type Transport interface {
	Open(ctx context.Context, req types.ChatRequest) (*Stream, error)
}

// Stream is an open completion. Closing Body releases the upstream
// connection.
type Stream struct {
	Body     io.ReadCloser
	Format   Format
	Provider string
	Model    string
	// Transform re-frames one SSE data payload into OpenAI chunk form. Only
	// set for FormatSSE.
	Transform func([]byte) ([]byte, error)
	// PromptTokens is the locally counted size of the prompt that opened
	// the stream.
	PromptTokens int
}

// Text returns the completion content as plain text whatever the format.
func (s *Stream) Text() io.ReadCloser {
	if s.Format == FormatText {
		return s.Body
	}
	return NewReader(NewSSESource(s.Body, s.Transform))
}

// DeltaSource yields content deltas until io.EOF.
type DeltaSource interface {
	Next() (string, error)
	Close() error
}

// Reader adapts a DeltaSource to io.ReadCloser. It pulls exactly one delta
// whenever its buffer is empty and never reads ahead.
type Reader struct {
	src DeltaSource
	buf []byte
	err error
}

func NewReader(src DeltaSource) *Reader {
	return &Reader{src: src}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		delta, err := r.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.EOF
			}
			r.err = err
		}
		r.buf = append(r.buf[:0], delta...)
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close closes the underlying source and with it the upstream connection.
func (r *Reader) Close() error {
	r.buf = nil
	if r.err == nil {
		r.err = io.ErrClosedPipe
	}
	return r.src.Close()
}

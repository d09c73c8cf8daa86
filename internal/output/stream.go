package output

import (
	"bufio"
	"fmt"
	"io"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
)

// StreamSink writes envelopes in their binary wire format.
type StreamSink struct {
	w      *bufio.Writer
	closer io.Closer
}

// NewStreamSink writes to w. If w is an io.Closer, Close closes it.
func NewStreamSink(w io.Writer) *StreamSink {
	s := &StreamSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Write implements Sink.
func (s *StreamSink) Write(env *bpf.Envelope) error {
	frame, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

// Flush writes buffered envelopes.
func (s *StreamSink) Flush() error {
	return s.w.Flush()
}

// Close flushes and closes the underlying writer.
func (s *StreamSink) Close() error {
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Package eventstream drains the kernel ring buffer of syscall records.
package eventstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
)

// Handler consumes decoded syscall records. It is called from a single
// goroutine.
type Handler interface {
	HandleRecord(rec *bpf.SyscallRecord) error
}

// RecordReader is the subset of *ringbuf.Reader used by Stream.
type RecordReader interface {
	Read() (ringbuf.Record, error)
}

// Stream reads records from a ringbuffer and dispatches them to a handler.
type Stream struct {
	reader  RecordReader
	handler Handler
	stopCh  chan struct{}
	doneCh  chan struct{}
	log     *logrus.Entry
}

// New creates a new Stream with the given ringbuffer reader and handler.
func New(reader RecordReader, handler Handler) *Stream {
	return &Stream{
		reader:  reader,
		handler: handler,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		log:     logrus.WithField("component", "eventstream"),
	}
}

// Start begins reading records in a goroutine.
// It returns immediately and processes records in the background until
// the context is cancelled, Stop is called or the reader is closed.
func (s *Stream) Start(ctx context.Context) error {
	go s.processRecords(ctx)
	return nil
}

// Stop signals the processing goroutine to stop. Closing the ring buffer
// reader unblocks a pending Read.
func (s *Stream) Stop() error {
	close(s.stopCh)
	return nil
}

// Done is closed when the processing goroutine returns.
func (s *Stream) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Stream) processRecords(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
			raw, err := s.reader.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				s.log.Warnf("reading from ring buffer: %v", err)
				continue
			}

			var rec bpf.SyscallRecord
			if err := binary.Read(bytes.NewReader(raw.RawSample), binary.LittleEndian, &rec); err != nil {
				s.log.Warnf("parsing syscall record: %v", err)
				continue
			}

			if err := s.handler.HandleRecord(&rec); err != nil {
				s.log.Debugf("handling syscall record: %v", err)
			}
		}
	}
}

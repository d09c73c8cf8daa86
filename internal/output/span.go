package output

import (
	"context"
	"encoding/binary"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
	"github.com/tezedge/tezedge-debugger/internal/sockmeta"
	"github.com/tezedge/tezedge-debugger/internal/timesync"
)

// SpanSink records each syscall as a span. A connect starts a connection
// span for its socket and later syscalls on that socket become its children.
// Not safe for concurrent use.
type SpanSink struct {
	tracer trace.Tracer
	clock  *timesync.Converter
	names  Namer
	conns  map[bpf.SocketID]trace.Span
}

// NewSpanSink creates a SpanSink converting kernel timestamps with clock.
// names may be nil.
func NewSpanSink(tracer trace.Tracer, clock *timesync.Converter, names Namer) *SpanSink {
	return &SpanSink{
		tracer: tracer,
		clock:  clock,
		names:  names,
		conns:  make(map[bpf.SocketID]trace.Span),
	}
}

// Write implements Sink.
func (s *SpanSink) Write(env *bpf.Envelope) error {
	switch {
	case env.Tag == bpf.TagDebug:
		s.stale(env)
	case env.Tag == bpf.TagConnect:
		s.connect(env)
	case env.Tag.IsData():
		s.data(env)
	}
	return nil
}

func (s *SpanSink) socketAttrs(env *bpf.Envelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("process.pid", int(env.Socket.Pid)),
		attribute.Int("socket.fd", int(env.Socket.Fd)),
	}
}

func (s *SpanSink) connect(env *bpf.Envelope) {
	if prev, ok := s.conns[env.Socket]; ok {
		prev.End(trace.WithTimestamp(s.clock.ToWall(env.Start)))
	}

	attrs := append(s.socketAttrs(env), attribute.String("net.transport", "tcp"))
	if remote, err := sockmeta.ParseSockaddr(env.Payload); err == nil {
		attrs = append(attrs,
			attribute.String("net.peer.ip", remote.Addr().String()),
			attribute.Int("net.peer.port", int(remote.Port())),
		)
		if s.names != nil {
			if name := s.names.Name(remote.Addr()); name != "" {
				attrs = append(attrs, attribute.String("net.peer.name", name))
			}
		}
	}
	_, span := s.tracer.Start(context.Background(), "p2p.connection",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(s.clock.ToWall(env.Start)),
		trace.WithAttributes(attrs...),
	)
	s.conns[env.Socket] = span
}

func (s *SpanSink) data(env *bpf.Envelope) {
	ctx := context.Background()
	if parent, ok := s.conns[env.Socket]; ok {
		ctx = trace.ContextWithSpan(ctx, parent)
	}

	direction := "in"
	if env.Tag.IsOutbound() {
		direction = "out"
	}
	attrs := append(s.socketAttrs(env),
		attribute.Int("io.bytes", len(env.Payload)),
		attribute.String("io.direction", direction),
	)
	_, span := s.tracer.Start(ctx, "syscall."+env.Tag.String(),
		trace.WithTimestamp(s.clock.ToWall(env.Start)),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(s.clock.ToWall(env.End)))
}

func (s *SpanSink) stale(env *bpf.Envelope) {
	attrs := []attribute.KeyValue{attribute.Int("process.pid", int(env.Socket.Pid))}
	if len(env.Payload) == 8 {
		attrs = append(attrs, attribute.Int64("correlator.code", int64(binary.BigEndian.Uint64(env.Payload)))) //nolint:gosec // diagnostic code
	}
	_, span := s.tracer.Start(context.Background(), "correlator.stale",
		trace.WithTimestamp(s.clock.ToWall(env.Start)),
		trace.WithAttributes(attrs...),
	)
	span.SetStatus(codes.Error, "syscall enter without exit")
	span.End(trace.WithTimestamp(s.clock.ToWall(env.End)))
}

// Open returns the number of connection spans not yet ended.
func (s *SpanSink) Open() int {
	return len(s.conns)
}

// Close ends every open connection span.
func (s *SpanSink) Close() error {
	now := time.Now()
	for id, span := range s.conns {
		span.SetStatus(codes.Ok, "tracing stopped")
		span.End(trace.WithTimestamp(now))
		delete(s.conns, id)
	}
	return nil
}

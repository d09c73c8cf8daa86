package correlator

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
	"github.com/tezedge/tezedge-debugger/internal/memreader"
	"github.com/tezedge/tezedge-debugger/internal/sockmeta"
	"github.com/tezedge/tezedge-debugger/internal/transport"
)

// DefaultMaxPayload bounds how many bytes of a data syscall are copied.
const DefaultMaxPayload = 64 * 1024

// Handler turns raw kernel syscall records into envelopes.
// Enter records are pushed into the correlator, exit records pop the matching
// context and complete it with the syscall result.
type Handler struct {
	corr       *Correlator
	mem        memreader.Reader
	out        Emitter
	sockets    *sockmeta.Manager
	maxPayload int
	log        *logrus.Entry

	// set by the PopWith callback
	env *bpf.Envelope
	err error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSockets records connect results and traffic counters in m.
func WithSockets(m *sockmeta.Manager) HandlerOption {
	return func(h *Handler) { h.sockets = m }
}

// WithMaxPayload overrides DefaultMaxPayload.
func WithMaxPayload(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxPayload = n
		}
	}
}

// NewHandler creates a handler that emits both data and diagnostic envelopes
// to out.
func NewHandler(capacity int, mem memreader.Reader, out Emitter, opts ...HandlerOption) *Handler {
	h := &Handler{
		mem:        mem,
		out:        out,
		maxPayload: DefaultMaxPayload,
		log:        logrus.WithField("component", "correlator"),
	}
	h.corr = New(capacity, out)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Correlator exposes the underlying correlator.
func (h *Handler) Correlator() *Correlator {
	return h.corr
}

// HandleRecord implements eventstream.Handler.
func (h *Handler) HandleRecord(rec *bpf.SyscallRecord) error {
	if rec.IsEnter() {
		ctx, err := bpf.ContextFromRecord(rec)
		if err != nil {
			return err
		}
		h.corr.Push(rec.PidTgid, ctx, rec.Timestamp)
		return nil
	}

	h.env, h.err = nil, nil
	h.corr.PopWith(rec.PidTgid, func(ctx *bpf.SyscallContext, enterTS uint64) {
		h.env, h.err = h.complete(rec, ctx, enterTS)
	})
	if h.err != nil {
		return h.err
	}
	if h.env != nil {
		if h.sockets != nil && h.env.Tag.IsData() && h.env.Tag != bpf.TagConnect {
			h.sockets.Count(h.env.Socket, h.env.Tag, len(h.env.Payload))
		}
		h.out.Emit(h.env)
	}
	return nil
}

// complete builds the envelope for an exit record. A nil envelope means the
// syscall produced nothing worth reporting.
func (h *Handler) complete(rec *bpf.SyscallRecord, ctx *bpf.SyscallContext, enterTS uint64) (*bpf.Envelope, error) {
	if uint32(ctx.Kind) != rec.Kind {
		h.log.Debugf("exit of %d paired with %s context, tid %d", rec.Kind, ctx.Kind, rec.Tid())
		return nil, nil
	}

	env := &bpf.Envelope{
		Socket: bpf.SocketID{Pid: rec.Tgid(), Fd: ctx.Fd},
		Start:  enterTS,
		End:    rec.Timestamp,
		Tag:    ctx.Tag(),
	}

	if ctx.Kind == bpf.KindConnect {
		if rec.Ret != 0 && rec.Ret != -int64(unix.EINPROGRESS) {
			return nil, nil
		}
		env.Payload = append([]byte(nil), ctx.InlineBytes()...)
		if h.sockets != nil {
			if remote, err := sockmeta.ParseSockaddr(env.Payload); err == nil {
				h.sockets.Connected(env.Socket, remote)
			}
		}
		return env, nil
	}

	if rec.Ret <= 0 {
		return nil, nil
	}
	n := h.maxPayload
	if rec.Ret < int64(n) {
		n = int(rec.Ret)
	}

	var err error
	if ctx.Kind == bpf.KindSendMsg {
		env.Payload, err = memreader.Gather(h.mem, rec.Tgid(), ctx.InlineBytes(), n)
	} else {
		env.Payload, err = h.mem.Read(rec.Tgid(), ctx.Ptr, n)
	}
	if err != nil {
		return nil, fmt.Errorf("copying %s payload of fd %d: %w", ctx.Kind, ctx.Fd, err)
	}
	return env, nil
}

// RingEmitter pushes envelopes onto r, dropping them when it is full.
func RingEmitter(r *transport.Ring[*bpf.Envelope]) Emitter {
	return EmitterFunc(func(env *bpf.Envelope) {
		r.TryPush(env)
	})
}

package output

import (
	"encoding/binary"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
	"github.com/tezedge/tezedge-debugger/internal/sockmeta"
)

// Namer labels peer addresses, see peernames.Resolver.
type Namer interface {
	Name(addr netip.Addr) string
}

// LogSink logs envelopes. Data envelopes go to debug level, diagnostics to
// warning level.
type LogSink struct {
	log     *logrus.Entry
	sockets *sockmeta.Manager
	names   Namer
}

// NewLogSink creates a LogSink. sockets and names may be nil.
func NewLogSink(sockets *sockmeta.Manager, names Namer) *LogSink {
	return &LogSink{
		log:     logrus.WithField("component", "envelope"),
		sockets: sockets,
		names:   names,
	}
}

// Write implements Sink.
func (s *LogSink) Write(env *bpf.Envelope) error {
	fields := logrus.Fields{
		"pid": env.Socket.Pid,
		"fd":  env.Socket.Fd,
		"tag": env.Tag.String(),
	}
	if env.Tag == bpf.TagDebug {
		if len(env.Payload) == 8 {
			fields["code"] = binary.BigEndian.Uint64(env.Payload)
		}
		s.log.WithFields(fields).Warn("syscall correlation lost")
		return nil
	}

	fields["bytes"] = len(env.Payload)
	fields["elapsed_ns"] = env.Elapsed()
	if s.sockets != nil {
		if meta, ok := s.sockets.Get(env.Socket); ok && meta.Remote.IsValid() {
			fields["remote"] = meta.Remote.String()
			if s.names != nil {
				if name := s.names.Name(meta.Remote.Addr()); name != "" {
					fields["remote_host"] = name
				}
			}
		}
	}
	s.log.WithFields(fields).Debug("envelope")
	return nil
}

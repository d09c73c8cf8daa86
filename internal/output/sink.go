package output

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
	"github.com/tezedge/tezedge-debugger/internal/transport"
)

// Sink receives envelopes from the single consumer goroutine.
type Sink interface {
	Write(env *bpf.Envelope) error
}

// Multi writes each envelope to every sink, joining their errors.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(env *bpf.Envelope) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Consume pops envelopes from ring into sink until ctx is done. Sink errors
// are logged and do not stop the loop.
func Consume(ctx context.Context, ring *transport.Ring[*bpf.Envelope], sink Sink) error {
	log := logrus.WithField("component", "output")
	for {
		env, err := ring.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := sink.Write(env); err != nil {
			log.Warnf("writing %s envelope: %v", env.Tag, err)
		}
	}
}

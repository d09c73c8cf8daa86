package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// ErrNoInterface is returned when no usable capture interface exists.
var ErrNoInterface = errors.New("no valid network interface found")

const (
	snapLen     = 65535
	readTimeout = 250 * time.Millisecond
)

// Link is the subset of interface attributes used to pick a capture device.
type Link struct {
	Name  string
	Flags net.Flags
}

// Usable reports whether the link is up and supports broadcast and multicast.
func (l Link) Usable() bool {
	want := net.FlagUp | net.FlagBroadcast | net.FlagMulticast
	return l.Flags&want == want
}

// PickInterface returns the name of the first usable link, or the link named
// preferred when it is set.
func PickInterface(links []Link, preferred string) (string, error) {
	for _, l := range links {
		if preferred != "" {
			if l.Name == preferred {
				return l.Name, nil
			}
			continue
		}
		if l.Usable() {
			return l.Name, nil
		}
	}
	if preferred != "" {
		return "", fmt.Errorf("%w: %s", ErrNoInterface, preferred)
	}
	return "", ErrNoInterface
}

// SelectInterface lists the host links through netlink and picks one.
func SelectInterface(preferred string) (string, error) {
	nl, err := netlink.LinkList()
	if err != nil {
		return "", fmt.Errorf("listing links: %w", err)
	}
	links := make([]Link, 0, len(nl))
	for _, l := range nl {
		attrs := l.Attrs()
		links = append(links, Link{Name: attrs.Name, Flags: attrs.Flags})
	}
	return PickInterface(links, preferred)
}

// Handler receives classified segments.
type Handler func(seg *Segment)

// Source captures frames on a live interface.
type Source struct {
	handle     *pcap.Handle
	classifier *Classifier
	device     string
	log        *logrus.Entry
}

// Open starts a live capture on device for TCP traffic of port.
func Open(device string, port uint16) (*Source, error) {
	handle, err := pcap.OpenLive(device, snapLen, false, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	if err := handle.SetBPFFilter(fmt.Sprintf("tcp port %d", port)); err != nil {
		handle.Close()
		return nil, fmt.Errorf("setting capture filter: %w", err)
	}
	return &Source{
		handle:     handle,
		classifier: NewClassifier(port, handle.LinkType().LayerType()),
		device:     device,
		log:        logrus.WithFields(logrus.Fields{"component": "capture", "device": device}),
	}, nil
}

// Run reads frames until ctx is done and hands classified segments to h.
func (s *Source) Run(ctx context.Context, h Handler) error {
	s.log.Infof("starting capture")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame, _, err := s.handle.ZeroCopyReadPacketData()
		switch {
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("reading from %s: %w", s.device, err)
		}

		seg, err := s.classifier.Classify(frame)
		if err != nil {
			s.log.Debugf("skipping frame: %v", err)
			continue
		}
		if seg != nil {
			h(seg)
		}
	}
}

// Close stops the capture.
func (s *Source) Close() {
	s.handle.Close()
}

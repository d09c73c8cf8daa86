// Package bpfloader manages the lifecycle of the socket syscall probes and
// their kernel attachments.
package bpfloader

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
)

// Map names in sniffer.bpf.c.
const (
	eventsMap  = "syscall_events"
	trackedMap = "tracked_pids"
)

// Syscalls lists the traced syscalls. Each has a sys_enter_* and a
// sys_exit_* program named after its tracepoint.
var Syscalls = []string{"write", "sendto", "sendmsg", "read", "recvfrom", "connect"}

// Loader manages the lifecycle of BPF programs and their attachments.
type Loader struct {
	coll  *ebpf.Collection
	links []link.Link
	log   *logrus.Entry
}

// New loads the compiled probe object at objectPath into the kernel.
func New(objectPath string) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("loading BPF object %s: %w", objectPath, err)
	}
	if err := checkSpec(spec); err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	return &Loader{
		coll: coll,
		log:  logrus.WithField("component", "bpfloader"),
	}, nil
}

// checkSpec verifies that the object provides every program and map we use.
func checkSpec(spec *ebpf.CollectionSpec) error {
	var missing []error
	for _, name := range programNames() {
		if _, ok := spec.Programs[name]; !ok {
			missing = append(missing, fmt.Errorf("program %s", name))
		}
	}
	for _, name := range []string{eventsMap, trackedMap} {
		if _, ok := spec.Maps[name]; !ok {
			missing = append(missing, fmt.Errorf("map %s", name))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("BPF object is missing: %w", errors.Join(missing...))
	}
	return nil
}

func programNames() []string {
	names := make([]string, 0, 2*len(Syscalls))
	for _, sc := range Syscalls {
		names = append(names, "sys_enter_"+sc, "sys_exit_"+sc)
	}
	return names
}

// closeErrorf closes all attached links and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	for i := len(l.links) - 1; i >= 0; i-- {
		_ = l.links[i].Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	l.links = nil
	return fmt.Errorf("%s: %w", errstr, e)
}

// Attach attaches every enter and exit program to its syscall tracepoint.
func (l *Loader) Attach() error {
	for _, name := range programNames() {
		lk, err := link.Tracepoint("syscalls", name, l.coll.Programs[name], nil)
		if err != nil {
			return l.closeErrorf("attaching "+name+" tracepoint", err)
		}
		l.links = append(l.links, lk)
	}
	l.log.Debugf("attached %d tracepoints", len(l.links))
	return nil
}

// OpenRingBuffer opens and returns a ring buffer reader for syscall records.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.coll.Maps[eventsMap])
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// TrackPID adds a process to the tracked_pids map. Only syscalls of tracked
// processes are reported.
func (l *Loader) TrackPID(pid int) error {
	//nolint:gosec // int to uint32 conversion required for BPF map key type
	pidKey := uint32(pid)
	val := uint8(1)
	if err := l.coll.Maps[trackedMap].Put(&pidKey, &val); err != nil {
		return fmt.Errorf("adding PID %d to tracked map: %w", pid, err)
	}
	return nil
}

// UntrackPID removes a process from the tracked_pids map.
func (l *Loader) UntrackPID(pid int) error {
	//nolint:gosec // int to uint32 conversion required for BPF map key type
	pidKey := uint32(pid)
	if err := l.coll.Maps[trackedMap].Delete(&pidKey); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("removing PID %d from tracked map: %w", pid, err)
	}
	return nil
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link %d: %w", i, err))
		}
	}
	l.links = nil

	l.coll.Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}

	return nil
}

package timesync

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Converter maps CLOCK_MONOTONIC nanoseconds, as produced by
// bpf_ktime_get_ns, to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter samples both clocks to find the wall-clock instant at which
// the monotonic clock was zero. If the clocks cannot be read it falls back
// to btime from /proc/stat, which has one second resolution.
func NewConverter() (*Converter, error) {
	var mono, wall unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err == nil {
		if err := unix.ClockGettime(unix.CLOCK_REALTIME, &wall); err == nil {
			return FromClocks(mono, wall), nil
		}
	}

	f, err := os.Open("/proc/stat")
	if err != nil {
		return nil, fmt.Errorf("failed to open /proc/stat: %w", err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // read-only
	}()
	bootTime, err := ParseBootTime(f)
	if err != nil {
		return nil, err
	}
	return &Converter{bootTime: bootTime}, nil
}

// FromClocks builds a converter from simultaneous monotonic and realtime
// readings.
func FromClocks(mono, wall unix.Timespec) *Converter {
	return &Converter{bootTime: time.Unix(wall.Unix()).Add(-time.Duration(mono.Nano()))}
}

// ToWall converts a monotonic timestamp to wall-clock time.
func (c *Converter) ToWall(monotonicNanos uint64) time.Time {
	//nolint:gosec // kernel timestamps fit in int64
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the wall-clock time of monotonic zero.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// ParseBootTime reads the btime line of a /proc/stat formatted stream.
func ParseBootTime(r io.Reader) (time.Time, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "btime" {
			continue
		}
		sec, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse btime: %w", err)
		}
		return time.Unix(sec, 0), nil
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("error reading /proc/stat: %w", err)
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}

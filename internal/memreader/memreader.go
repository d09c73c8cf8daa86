// Package memreader copies buffers out of the traced process' address space.
package memreader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// iovecSize is sizeof(struct iovec) on 64-bit targets.
const iovecSize = 16

// maxIovecs bounds how many iovec entries of a msghdr are followed.
const maxIovecs = 64

// msghdr field offsets of struct user_msghdr on 64-bit targets.
const (
	msgIovOffset    = 16
	msgIovLenOffset = 24
	msghdrSize      = 56
)

// ErrShortMsghdr is returned when an inline msghdr copy is truncated.
var ErrShortMsghdr = errors.New("msghdr copy too short")

// Reader reads memory of other processes.
type Reader interface {
	// Read copies up to size bytes at addr of pid.
	Read(pid uint32, addr uint64, size int) ([]byte, error)
}

// ProcessVM reads through process_vm_readv(2).
type ProcessVM struct{}

// Read implements Reader.
func (ProcessVM) Read(pid uint32, addr uint64, size int) ([]byte, error) {
	if size <= 0 || addr == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(size)
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}

	n, err := unix.ProcessVMReadv(int(pid), local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read from mem of pid %d: %w", pid, err)
	}
	return buf[:n], nil
}

// Gather reads up to limit bytes described by a struct user_msghdr that was
// copied inline from the tracee.
func Gather(r Reader, pid uint32, msghdr []byte, limit int) ([]byte, error) {
	if len(msghdr) < msghdrSize {
		return nil, ErrShortMsghdr
	}
	iovPtr := binary.LittleEndian.Uint64(msghdr[msgIovOffset:])
	iovLen := binary.LittleEndian.Uint64(msghdr[msgIovLenOffset:])
	if iovPtr == 0 || iovLen == 0 || limit <= 0 {
		return nil, nil
	}
	if iovLen > maxIovecs {
		iovLen = maxIovecs
	}

	//nolint:gosec // bounded by maxIovecs
	raw, err := r.Read(pid, iovPtr, int(iovLen)*iovecSize)
	if err != nil {
		return nil, fmt.Errorf("reading iovec array: %w", err)
	}

	var out []byte
	for off := 0; off+iovecSize <= len(raw) && len(out) < limit; off += iovecSize {
		base := binary.LittleEndian.Uint64(raw[off:])
		size := binary.LittleEndian.Uint64(raw[off+8:])
		want := limit - len(out)
		if size < uint64(want) {
			want = int(size)
		}
		data, err := r.Read(pid, base, want)
		if err != nil {
			return out, fmt.Errorf("reading iovec %d: %w", off/iovecSize, err)
		}
		out = append(out, data...)
	}
	return out, nil
}

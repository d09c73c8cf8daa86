// Package bpf provides Go mirrors of the records exchanged with the socket
// syscall probes in sniffer.bpf.c.
package bpf

//go:generate clang -O2 -g -target bpf -D__TARGET_ARCH_x86 -I. -I/usr/include -c sniffer.bpf.c -o sniffer.bpf.o

// Syscall kinds and phases matching kernel/C conventions.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	SYSCALL_WRITE     = 1
	SYSCALL_SENDTO    = 2
	SYSCALL_SENDMSG   = 3
	SYSCALL_READ      = 4
	SYSCALL_RECVFROM  = 5
	SYSCALL_CONNECT   = 6
	PHASE_ENTER       = 0
	PHASE_EXIT        = 1
	INLINE_CAPACITY   = 128
	SYSCALL_RECORD_SZ = 184
)

// InlineCapacity is the number of argument bytes the kernel copies inline for
// syscalls whose argument is a structure (msghdr, sockaddr).
const InlineCapacity = INLINE_CAPACITY

// SyscallRecord matches struct syscall_record in sniffer.h.
// One record is emitted on syscall entry and one on exit.
type SyscallRecord struct {
	PidTgid   uint64
	Timestamp uint64 // bpf_ktime_get_ns
	Kind      uint32
	Phase     uint32
	Fd        uint32
	InlineLen uint32
	Ptr       uint64
	Len       uint64
	Ret       int64
	Inline    [InlineCapacity]byte
}

// Tid returns the kernel pid (thread id), the correlation key.
func (r *SyscallRecord) Tid() uint32 {
	return uint32(r.PidTgid)
}

// Tgid returns the user-visible process id.
func (r *SyscallRecord) Tgid() uint32 {
	return uint32(r.PidTgid >> 32)
}

// IsEnter reports whether the record was produced by a sys_enter probe.
func (r *SyscallRecord) IsEnter() bool {
	return r.Phase == PHASE_ENTER
}

// InlineBytes returns the valid part of the inline argument copy.
func (r *SyscallRecord) InlineBytes() []byte {
	n := r.InlineLen
	if n > InlineCapacity {
		n = InlineCapacity
	}
	return r.Inline[:n]
}

// SocketID identifies one file descriptor in one process.
type SocketID struct {
	Pid uint32
	Fd  uint32
}

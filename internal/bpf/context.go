package bpf

import (
	"encoding/binary"
	"fmt"
)

// ContextKind selects the active variant of a SyscallContext.
type ContextKind uint8

// Variant numbering follows the kernel syscall kinds; Empty is zero.
const (
	KindEmpty    ContextKind = 0
	KindWrite    ContextKind = SYSCALL_WRITE
	KindSendTo   ContextKind = SYSCALL_SENDTO
	KindSendMsg  ContextKind = SYSCALL_SENDMSG
	KindRead     ContextKind = SYSCALL_READ
	KindRecvFrom ContextKind = SYSCALL_RECVFROM
	KindConnect  ContextKind = SYSCALL_CONNECT
)

func (k ContextKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindWrite:
		return "write"
	case KindSendTo:
		return "sendto"
	case KindSendMsg:
		return "sendmsg"
	case KindRead:
		return "read"
	case KindRecvFrom:
		return "recvfrom"
	case KindConnect:
		return "connect"
	default:
		return fmt.Sprintf("ContextKind(%d)", uint8(k))
	}
}

// ContextSize is the declared size of every encoded SyscallContext.
//
// Layout (little endian):
//
//	0   kind       u8
//	1   _          [3]
//	4   fd         u32
//	8   ptr        u64
//	16  len        u64
//	24  inline_len u16
//	26  _          [6]
//	32  inline     [InlineCapacity]
const ContextSize = 32 + InlineCapacity

// EncodedContext is the fixed-size representation shared by all variants.
type EncodedContext [ContextSize]byte

// SyscallContext holds the entry-side arguments of a socket syscall until the
// matching exit is seen. Buffer variants use Ptr/Len, structure variants
// (SendMsg, Connect) use the inline copy.
type SyscallContext struct {
	Kind      ContextKind
	Fd        uint32
	Ptr       uint64
	Len       uint64
	InlineLen uint16
	Inline    [InlineCapacity]byte
}

// EmptyContext returns the placeholder variant. It encodes to ContextSize
// bytes like every other variant.
func EmptyContext() SyscallContext {
	return SyscallContext{Kind: KindEmpty}
}

// BufferContext builds one of the Write, SendTo, Read or RecvFrom variants.
func BufferContext(kind ContextKind, fd uint32, ptr, length uint64) SyscallContext {
	return SyscallContext{Kind: kind, Fd: fd, Ptr: ptr, Len: length}
}

// InlineContext builds one of the SendMsg or Connect variants. Data beyond
// InlineCapacity is truncated.
func InlineContext(kind ContextKind, fd uint32, data []byte) SyscallContext {
	c := SyscallContext{Kind: kind, Fd: fd}
	n := copy(c.Inline[:], data)
	c.InlineLen = uint16(n)
	return c
}

// ContextFromRecord builds the variant described by an enter record.
func ContextFromRecord(r *SyscallRecord) (SyscallContext, error) {
	kind := ContextKind(r.Kind)
	switch kind {
	case KindWrite, KindSendTo, KindRead, KindRecvFrom:
		return BufferContext(kind, r.Fd, r.Ptr, r.Len), nil
	case KindSendMsg, KindConnect:
		return InlineContext(kind, r.Fd, r.InlineBytes()), nil
	default:
		return EmptyContext(), fmt.Errorf("unknown syscall kind %d", r.Kind)
	}
}

// InlineBytes returns the valid part of the inline copy.
func (c *SyscallContext) InlineBytes() []byte {
	n := int(c.InlineLen)
	if n > InlineCapacity {
		n = InlineCapacity
	}
	return c.Inline[:n]
}

// Tag returns the envelope tag for data produced by this variant.
func (c *SyscallContext) Tag() Tag {
	switch c.Kind {
	case KindWrite:
		return TagWrite
	case KindSendTo:
		return TagSendTo
	case KindSendMsg:
		return TagSendMsg
	case KindRead:
		return TagRead
	case KindRecvFrom:
		return TagRecvFrom
	case KindConnect:
		return TagConnect
	default:
		return TagDebug
	}
}

// Encode writes the context into its fixed-size representation.
func (c *SyscallContext) Encode(dst *EncodedContext) {
	*dst = EncodedContext{}
	dst[0] = byte(c.Kind)
	binary.LittleEndian.PutUint32(dst[4:8], c.Fd)
	binary.LittleEndian.PutUint64(dst[8:16], c.Ptr)
	binary.LittleEndian.PutUint64(dst[16:24], c.Len)
	binary.LittleEndian.PutUint16(dst[24:26], c.InlineLen)
	copy(dst[32:], c.Inline[:])
}

// Decode restores a context previously written by Encode.
func (c *SyscallContext) Decode(src *EncodedContext) {
	c.Kind = ContextKind(src[0])
	c.Fd = binary.LittleEndian.Uint32(src[4:8])
	c.Ptr = binary.LittleEndian.Uint64(src[8:16])
	c.Len = binary.LittleEndian.Uint64(src[16:24])
	c.InlineLen = binary.LittleEndian.Uint16(src[24:26])
	copy(c.Inline[:], src[32:])
}

// Package correlator pairs the entry arguments of a socket syscall with its
// exit result.
//
// Each kernel pid (thread) is either empty or holds one pending context. A
// context is stored on syscall entry (Push) and consumed on exit (PopWith).
// A second Push for a pid that still holds a context reports the condition
// with a diagnostic envelope and leaves the pid empty; the newer context is
// discarded too.
//
// A Correlator is not safe for concurrent use. It is driven by the single
// goroutine that drains the kernel ring buffer.
package correlator

import (
	"encoding/binary"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
)

// UnknownFdSentinel is the payload of the diagnostic envelope emitted for a
// stale context.
const UnknownFdSentinel uint64 = 0xdeadbeef

// DefaultCapacity is the default number of concurrently pending syscalls.
const DefaultCapacity = 4096

// Emitter receives envelopes produced by the correlator.
type Emitter interface {
	Emit(env *bpf.Envelope)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(env *bpf.Envelope)

// Emit implements Emitter.
func (f EmitterFunc) Emit(env *bpf.Envelope) { f(env) }

// Stats counts unusual correlator outcomes.
type Stats struct {
	Stale   uint64 // pushes that found a pending context
	Dropped uint64 // pushes rejected because the table was full
}

// Correlator holds pending syscall contexts keyed by kernel pid.
type Correlator struct {
	table *table
	diag  Emitter
	stats Stats

	scratch bpf.SyscallContext
}

// New returns a correlator with room for capacity pending contexts. Diagnostic
// envelopes go to diag.
func New(capacity int, diag Emitter) *Correlator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Correlator{
		table: newTable(capacity),
		diag:  diag,
	}
}

// Push records ctx for the thread in id (the kernel pid_tgid) at time now.
func (c *Correlator) Push(id uint64, ctx bpf.SyscallContext, now uint64) {
	key := uint32(id)
	if i := c.table.find(key); i >= 0 {
		c.stats.Stale++
		c.table.remove(i)
		c.diag.Emit(unknownFd(uint32(id>>32), now))
		return
	}
	if !c.table.insert(key, &ctx, now) {
		c.stats.Dropped++
	}
}

// PopWith hands the pending context of id and its entry timestamp to fn and
// clears it. It reports false, without calling fn, when nothing is pending.
func (c *Correlator) PopWith(id uint64, fn func(ctx *bpf.SyscallContext, enterTS uint64)) bool {
	i := c.table.find(uint32(id))
	if i < 0 {
		return false
	}
	slot := &c.table.slots[i]
	c.scratch.Decode(&slot.ctx)
	enterTS := slot.enterTS
	c.table.remove(i)

	fn(&c.scratch, enterTS)
	return true
}

// Pending returns the number of stored contexts.
func (c *Correlator) Pending() int {
	return c.table.len()
}

// Stats returns a snapshot of the counters.
func (c *Correlator) Stats() Stats {
	return c.stats
}

func unknownFd(pid uint32, now uint64) *bpf.Envelope {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, UnknownFdSentinel)
	return &bpf.Envelope{
		Socket:  bpf.SocketID{Pid: pid, Fd: 0},
		Start:   now,
		End:     now,
		Tag:     bpf.TagDebug,
		Payload: payload,
	}
}

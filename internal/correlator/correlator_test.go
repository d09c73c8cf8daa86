package correlator

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
	"github.com/tezedge/tezedge-debugger/internal/sockmeta"
	"github.com/tezedge/tezedge-debugger/internal/transport"
)

type collector struct {
	envs []*bpf.Envelope
}

func (c *collector) Emit(env *bpf.Envelope) {
	c.envs = append(c.envs, env)
}

func pidTgid(tgid, tid uint32) uint64 {
	return uint64(tgid)<<32 | uint64(tid)
}

func TestCorrelator_PushPop(t *testing.T) {
	diag := &collector{}
	c := New(16, diag)
	id := pidTgid(100, 101)
	ctx := bpf.BufferContext(bpf.KindWrite, 7, 0x1000, 64)

	c.Push(id, ctx, 500)
	assert.Equal(t, 1, c.Pending())

	var (
		got     bpf.SyscallContext
		enterTS uint64
		calls   int
	)
	ok := c.PopWith(id, func(ctx *bpf.SyscallContext, ts uint64) {
		got = *ctx
		enterTS = ts
		calls++
	})
	require.True(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ctx, got)
	assert.Equal(t, uint64(500), enterTS)
	assert.Equal(t, 0, c.Pending())
	assert.Empty(t, diag.envs)

	// second pop is a no-op
	ok = c.PopWith(id, func(*bpf.SyscallContext, uint64) { calls++ })
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestCorrelator_DoublePush(t *testing.T) {
	diag := &collector{}
	c := New(16, diag)
	id := pidTgid(200, 205)

	c.Push(id, bpf.BufferContext(bpf.KindRead, 3, 0x10, 8), 10)
	c.Push(id, bpf.BufferContext(bpf.KindWrite, 4, 0x20, 8), 20)

	require.Len(t, diag.envs, 1)
	env := diag.envs[0]
	assert.Equal(t, bpf.TagDebug, env.Tag)
	assert.Equal(t, bpf.SocketID{Pid: 200, Fd: 0}, env.Socket)
	assert.Equal(t, uint64(20), env.Start)
	assert.Equal(t, uint64(20), env.End)
	assert.Equal(t, UnknownFdSentinel, binary.BigEndian.Uint64(env.Payload))

	// neither context survives
	assert.Equal(t, 0, c.Pending())
	assert.False(t, c.PopWith(id, func(*bpf.SyscallContext, uint64) {
		t.Fatal("callback must not run")
	}))
	assert.Equal(t, uint64(1), c.Stats().Stale)
}

func TestCorrelator_KeysAreIndependent(t *testing.T) {
	c := New(16, &collector{})

	for tid := uint32(1); tid <= 10; tid++ {
		c.Push(pidTgid(1, tid), bpf.BufferContext(bpf.KindRead, tid, 0, 0), uint64(tid))
	}
	assert.Equal(t, 10, c.Pending())

	for tid := uint32(10); tid >= 1; tid-- {
		ok := c.PopWith(pidTgid(1, tid), func(ctx *bpf.SyscallContext, ts uint64) {
			assert.Equal(t, tid, ctx.Fd)
			assert.Equal(t, uint64(tid), ts)
		})
		require.True(t, ok, "tid %d", tid)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_FullTableDrops(t *testing.T) {
	c := New(4, &collector{})

	for tid := uint32(1); tid <= 5; tid++ {
		c.Push(pidTgid(1, tid), bpf.EmptyContext(), 0)
	}
	assert.Equal(t, 4, c.Pending())
	assert.Equal(t, uint64(1), c.Stats().Dropped)
	assert.False(t, c.PopWith(pidTgid(1, 5), func(*bpf.SyscallContext, uint64) {}))

	// a full table still serves pops, and a pop frees room for a push
	done := make(chan bool)
	go func() {
		done <- c.PopWith(pidTgid(1, 1), func(*bpf.SyscallContext, uint64) {})
	}()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("PopWith on a full table did not return")
	}
	assert.Equal(t, 3, c.Pending())

	c.Push(pidTgid(1, 5), bpf.EmptyContext(), 5)
	assert.Equal(t, 4, c.Pending())
	assert.Equal(t, uint64(1), c.Stats().Dropped)
	for _, tid := range []uint32{2, 3, 4, 5} {
		assert.True(t, c.PopWith(pidTgid(1, tid), func(*bpf.SyscallContext, uint64) {}), "tid %d", tid)
	}
	assert.Zero(t, c.Pending())
}

func TestCorrelator_DoublePushOnFullTable(t *testing.T) {
	out := &collector{}
	c := New(4, out)
	for tid := uint32(1); tid <= 4; tid++ {
		c.Push(pidTgid(1, tid), bpf.EmptyContext(), 0)
	}

	done := make(chan struct{})
	go func() {
		c.Push(pidTgid(1, 3), bpf.EmptyContext(), 9)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Push of a pending tid on a full table did not return")
	}
	assert.Equal(t, 3, c.Pending())
	require.Len(t, out.envs, 1)
	assert.Equal(t, bpf.TagDebug, out.envs[0].Tag)
}

func TestTable_RemoveKeepsProbeChains(t *testing.T) {
	tb := newTable(8)
	ctx := bpf.EmptyContext()

	// keys colliding on the same home slot
	var keys []uint32
	for k := uint32(0); len(keys) < 4; k++ {
		if tb.home(k) == tb.home(0) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		require.True(t, tb.insert(k, &ctx, uint64(k)))
	}

	tb.remove(tb.find(keys[1]))
	assert.Equal(t, -1, tb.find(keys[1]))
	for _, k := range []uint32{keys[0], keys[2], keys[3]} {
		i := tb.find(k)
		require.GreaterOrEqual(t, i, 0, "key %d lost", k)
		assert.Equal(t, uint64(k), tb.slots[i].enterTS)
	}
	assert.Equal(t, 3, tb.len())
}

func TestTable_RemoveFromFullTable(t *testing.T) {
	tb := newTable(8)
	ctx := bpf.EmptyContext()

	// crowd the last two home slots so collisions wrap to the front
	var keys []uint32
	for k := uint32(1); len(keys) < 5; k++ {
		if h := tb.home(k); h == 6 || h == 7 {
			keys = append(keys, k)
		}
	}
	for k := uint32(1000); len(keys) < 8; k++ {
		if tb.home(k) < 6 {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		require.True(t, tb.insert(k, &ctx, uint64(k)), "key %d", k)
	}
	require.Equal(t, 8, tb.len())
	assert.False(t, tb.insert(99999, &ctx, 0))

	remaining := map[uint32]bool{}
	for _, k := range keys {
		remaining[k] = true
	}
	for _, idx := range []int{3, 0, 6, 1, 7, 4, 2, 5} {
		k := keys[idx]
		i := tb.find(k)
		require.GreaterOrEqual(t, i, 0, "key %d lost", k)
		tb.remove(i)
		delete(remaining, k)

		assert.Equal(t, -1, tb.find(k))
		assert.Equal(t, len(remaining), tb.len())
		for other := range remaining {
			j := tb.find(other)
			require.GreaterOrEqual(t, j, 0, "key %d lost after removing %d", other, k)
			assert.Equal(t, uint64(other), tb.slots[j].enterTS)
		}
	}
}

func TestPushPop_NoAllocations(t *testing.T) {
	c := New(64, &collector{})
	ctx := bpf.BufferContext(bpf.KindSendTo, 1, 2, 3)
	fn := func(*bpf.SyscallContext, uint64) {}

	allocs := testing.AllocsPerRun(100, func() {
		c.Push(42, ctx, 1)
		c.PopWith(42, fn)
	})
	assert.Zero(t, allocs)
}

// fakeMem serves tracee reads from a map keyed by address.
type fakeMem map[uint64][]byte

func (m fakeMem) Read(_ uint32, addr uint64, size int) ([]byte, error) {
	data, ok := m[addr]
	if !ok {
		return nil, errors.New("EFAULT")
	}
	if size > len(data) {
		size = len(data)
	}
	return append([]byte(nil), data[:size]...), nil
}

func enter(id uint64, ts uint64, kind uint32, fd uint32, ptr, length uint64) *bpf.SyscallRecord {
	return &bpf.SyscallRecord{PidTgid: id, Timestamp: ts, Kind: kind, Phase: bpf.PHASE_ENTER, Fd: fd, Ptr: ptr, Len: length}
}

func exit(id uint64, ts uint64, kind uint32, ret int64) *bpf.SyscallRecord {
	return &bpf.SyscallRecord{PidTgid: id, Timestamp: ts, Kind: kind, Phase: bpf.PHASE_EXIT, Ret: ret}
}

func TestHandler_DataSyscalls(t *testing.T) {
	mem := fakeMem{0x1000: []byte("hello world")}
	out := &collector{}
	h := NewHandler(16, mem, out, WithMaxPayload(8))
	id := pidTgid(300, 301)

	tests := []struct {
		name    string
		kind    uint32
		ret     int64
		tag     bpf.Tag
		payload string
	}{
		{"write", bpf.SYSCALL_WRITE, 5, bpf.TagWrite, "hello"},
		{"read truncated to max payload", bpf.SYSCALL_READ, 11, bpf.TagRead, "hello wo"},
		{"recvfrom", bpf.SYSCALL_RECVFROM, 3, bpf.TagRecvFrom, "hel"},
		{"sendto", bpf.SYSCALL_SENDTO, 1, bpf.TagSendTo, "h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out.envs = nil
			require.NoError(t, h.HandleRecord(enter(id, 1000, tt.kind, 9, 0x1000, 11)))
			require.NoError(t, h.HandleRecord(exit(id, 1400, tt.kind, tt.ret)))

			require.Len(t, out.envs, 1)
			env := out.envs[0]
			assert.Equal(t, bpf.SocketID{Pid: 300, Fd: 9}, env.Socket)
			assert.Equal(t, uint64(1000), env.Start)
			assert.Equal(t, uint64(1400), env.End)
			assert.Equal(t, tt.tag, env.Tag)
			assert.Equal(t, tt.payload, string(env.Payload))
		})
	}
}

func TestHandler_FailedSyscallEmitsNothing(t *testing.T) {
	out := &collector{}
	h := NewHandler(16, fakeMem{}, out)
	id := pidTgid(1, 1)

	require.NoError(t, h.HandleRecord(enter(id, 1, bpf.SYSCALL_READ, 3, 0x10, 10)))
	require.NoError(t, h.HandleRecord(exit(id, 2, bpf.SYSCALL_READ, -int64(unix.EAGAIN))))
	assert.Empty(t, out.envs)
	assert.Equal(t, 0, h.Correlator().Pending())
}

func TestHandler_ExitWithoutEnter(t *testing.T) {
	out := &collector{}
	h := NewHandler(16, fakeMem{}, out)

	require.NoError(t, h.HandleRecord(exit(pidTgid(1, 1), 2, bpf.SYSCALL_WRITE, 10)))
	assert.Empty(t, out.envs)
}

func TestHandler_SendMsg(t *testing.T) {
	iov := make([]byte, 32)
	binary.LittleEndian.PutUint64(iov[0:], 0x2000)
	binary.LittleEndian.PutUint64(iov[8:], 3)
	binary.LittleEndian.PutUint64(iov[16:], 0x3000)
	binary.LittleEndian.PutUint64(iov[24:], 3)
	mem := fakeMem{0x100: iov, 0x2000: []byte("abc"), 0x3000: []byte("def")}

	msghdr := make([]byte, 56)
	binary.LittleEndian.PutUint64(msghdr[16:], 0x100)
	binary.LittleEndian.PutUint64(msghdr[24:], 2)

	out := &collector{}
	h := NewHandler(16, mem, out)
	id := pidTgid(5, 6)

	rec := enter(id, 10, bpf.SYSCALL_SENDMSG, 4, 0, 0)
	rec.InlineLen = uint32(copy(rec.Inline[:], msghdr))
	require.NoError(t, h.HandleRecord(rec))
	require.NoError(t, h.HandleRecord(exit(id, 20, bpf.SYSCALL_SENDMSG, 5)))

	require.Len(t, out.envs, 1)
	assert.Equal(t, bpf.TagSendMsg, out.envs[0].Tag)
	assert.Equal(t, "abcde", string(out.envs[0].Payload))
}

func TestHandler_Connect(t *testing.T) {
	sockaddr := []byte{2, 0, 0x26, 0x14, 10, 0, 0, 5, 0, 0, 0, 0, 0, 0, 0, 0}
	sockets := sockmeta.NewManager()
	out := &collector{}
	h := NewHandler(16, fakeMem{}, out, WithSockets(sockets))

	for _, ret := range []int64{0, -int64(unix.EINPROGRESS), -int64(unix.ECONNREFUSED)} {
		id := pidTgid(7, 8)
		rec := enter(id, 1, bpf.SYSCALL_CONNECT, 11, 0, 0)
		rec.InlineLen = uint32(copy(rec.Inline[:], sockaddr))
		require.NoError(t, h.HandleRecord(rec))
		require.NoError(t, h.HandleRecord(exit(id, 2, bpf.SYSCALL_CONNECT, ret)))
	}

	require.Len(t, out.envs, 2)
	assert.Equal(t, bpf.TagConnect, out.envs[0].Tag)
	assert.Equal(t, sockaddr, out.envs[0].Payload)

	md, ok := sockets.Get(bpf.SocketID{Pid: 7, Fd: 11})
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:9748", md.Remote.String())
}

func TestHandler_MemoryErrorSurfaces(t *testing.T) {
	out := &collector{}
	h := NewHandler(16, fakeMem{}, out)
	id := pidTgid(1, 2)

	require.NoError(t, h.HandleRecord(enter(id, 1, bpf.SYSCALL_WRITE, 3, 0xbad, 10)))
	assert.Error(t, h.HandleRecord(exit(id, 2, bpf.SYSCALL_WRITE, 10)))
	assert.Empty(t, out.envs)
}

func TestHandler_StaleGoesToSameOutput(t *testing.T) {
	ring, err := transport.NewRing[*bpf.Envelope](4)
	require.NoError(t, err)
	h := NewHandler(16, fakeMem{}, RingEmitter(ring))
	id := pidTgid(9, 9)

	require.NoError(t, h.HandleRecord(enter(id, 1, bpf.SYSCALL_READ, 3, 0x10, 10)))
	require.NoError(t, h.HandleRecord(enter(id, 2, bpf.SYSCALL_READ, 3, 0x10, 10)))

	env, ok := ring.TryPop()
	require.True(t, ok)
	assert.Equal(t, bpf.TagDebug, env.Tag)
}

func TestHandler_UnknownKind(t *testing.T) {
	h := NewHandler(16, fakeMem{}, &collector{})
	assert.Error(t, h.HandleRecord(enter(1, 1, 42, 0, 0, 0)))
}

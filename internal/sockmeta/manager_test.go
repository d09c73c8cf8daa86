package sockmeta

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
)

func TestManager_ConnectedAndGet(t *testing.T) {
	m := NewManager()
	id := bpf.SocketID{Pid: 10, Fd: 4}
	remote := netip.MustParseAddrPort("10.0.0.2:9732")

	m.Connected(id, remote)

	got, ok := m.Get(id)
	if !ok {
		t.Fatal("Get() reported unknown socket")
	}
	if got.Remote != remote {
		t.Errorf("Remote = %v, want %v", got.Remote, remote)
	}
}

func TestManager_GetNonExistent(t *testing.T) {
	m := NewManager()

	if _, ok := m.Get(bpf.SocketID{Pid: 1, Fd: 1}); ok {
		t.Error("Expected unknown socket")
	}
}

func TestManager_Count(t *testing.T) {
	m := NewManager()
	id := bpf.SocketID{Pid: 10, Fd: 4}

	m.Count(id, bpf.TagWrite, 10)
	m.Count(id, bpf.TagSendMsg, 5)
	m.Count(id, bpf.TagRead, 7)

	got, _ := m.Get(id)
	if got.BytesOut != 15 {
		t.Errorf("BytesOut = %d, want 15", got.BytesOut)
	}
	if got.BytesIn != 7 {
		t.Errorf("BytesIn = %d, want 7", got.BytesIn)
	}
	if got.Events != 3 {
		t.Errorf("Events = %d, want 3", got.Events)
	}
}

func TestManager_ConnectResetsCounters(t *testing.T) {
	m := NewManager()
	id := bpf.SocketID{Pid: 10, Fd: 4}

	m.Count(id, bpf.TagWrite, 10)
	m.Connected(id, netip.MustParseAddrPort("[::1]:9732"))

	got, _ := m.Get(id)
	if got.BytesOut != 0 {
		t.Errorf("BytesOut = %d, want 0 after reconnect", got.BytesOut)
	}
}

func TestManager_Delete(t *testing.T) {
	m := NewManager()
	id := bpf.SocketID{Pid: 10, Fd: 4}
	m.Connected(id, netip.MustParseAddrPort("10.0.0.2:9732"))

	m.Delete(id)

	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(fd uint32) {
			defer wg.Done()
			m.Count(bpf.SocketID{Pid: 1, Fd: fd}, bpf.TagRead, 1)
		}(uint32(i))
		go func(fd uint32) {
			defer wg.Done()
			m.Get(bpf.SocketID{Pid: 1, Fd: fd})
		}(uint32(i))
	}
	wg.Wait()

	if m.Len() != 10 {
		t.Errorf("Len() = %d, want 10", m.Len())
	}
}

func TestParseSockaddr(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		want    string
		wantErr bool
	}{
		{
			name: "inet",
			raw:  []byte{2, 0, 0x26, 0x14, 192, 168, 1, 7, 0, 0, 0, 0, 0, 0, 0, 0},
			want: "192.168.1.7:9748",
		},
		{
			name: "inet6 loopback",
			raw: append([]byte{10, 0, 0x26, 0x04, 0, 0, 0, 0},
				append(make([]byte, 15), 1, 0, 0, 0, 0)...),
			want: "[::1]:9732",
		},
		{
			name:    "short",
			raw:     []byte{2, 0, 1},
			wantErr: true,
		},
		{
			name:    "unix family",
			raw:     []byte{1, 0, '/', 't', 'm', 'p'},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSockaddr(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseSockaddr() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSockaddr() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseSockaddr() = %v, want %v", got, tt.want)
			}
		})
	}
}

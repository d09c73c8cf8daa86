package sockmeta

import (
	"net/netip"
	"sync"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
)

// Manager tracks metadata per socket.
type Manager struct {
	mu      sync.RWMutex
	sockets map[bpf.SocketID]*SocketMetadata
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		sockets: make(map[bpf.SocketID]*SocketMetadata),
	}
}

// Get returns a copy of the metadata for id (query).
// The second result is false if the socket is unknown.
func (m *Manager) Get(id bpf.SocketID) (SocketMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.sockets[id]
	if !ok {
		return SocketMetadata{}, false
	}
	return *md, true
}

// Len returns the number of known sockets (query).
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sockets)
}

// Connected records the remote address of id (command).
// A reused fd replaces whatever was known about the previous socket.
func (m *Manager) Connected(id bpf.SocketID, remote netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sockets[id] = &SocketMetadata{Remote: remote}
}

// Count accounts n payload bytes seen with tag on id (command).
func (m *Manager) Count(id bpf.SocketID, tag bpf.Tag, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md := m.sockets[id]
	if md == nil {
		md = &SocketMetadata{}
		m.sockets[id] = md
	}
	md.Events++
	if tag.IsOutbound() {
		md.BytesOut += uint64(n) //nolint:gosec // n is a payload length
	} else {
		md.BytesIn += uint64(n) //nolint:gosec // n is a payload length
	}
}

// Delete forgets id (command).
func (m *Manager) Delete(id bpf.SocketID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sockets, id)
}

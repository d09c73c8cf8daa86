// Package sockmeta keeps per-socket metadata learned from traced syscalls.
//
// Manager provides command-query separation:
//
// Queries (read-only):
//   - Get(id) - Retrieve metadata
//   - Len() - Number of known sockets
//
// Commands (mutations):
//   - Connected(id, addr) - Record a successful connect
//   - Count(id, tag, n) - Account observed traffic
//   - Delete(id) - Forget a socket
//
// Thread-safe with RWMutex for concurrent access.
package sockmeta

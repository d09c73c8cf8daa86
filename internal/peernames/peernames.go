// Package peernames recovers host names for peer addresses.
//
// A node is usually started with some of its peers given by name
// (--peer boot.example.net:9732, bootstrap lists in the environment). The
// captured traffic only shows addresses. Resolving every name found in the
// node's command line and environment once, ahead of time, gives a reverse
// map good enough to label the well-known peers.
package peernames

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

const lookupTimeout = 2 * time.Second

// LookupFunc resolves a host name.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

func netLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

var hostnameRegex = regexp.MustCompile(`(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}`)

// Resolver maps addresses back to the names they were resolved from. It is
// safe for concurrent use.
type Resolver struct {
	lookup LookupFunc

	mu        sync.RWMutex
	hosts     map[netip.Addr][]string
	processed map[string]bool
}

// New creates a Resolver using the system resolver.
func New() *Resolver {
	return NewWithLookup(netLookup)
}

// NewWithLookup creates a Resolver using lookup.
func NewWithLookup(lookup LookupFunc) *Resolver {
	return &Resolver{
		lookup:    lookup,
		hosts:     make(map[netip.Addr][]string),
		processed: make(map[string]bool),
	}
}

// Ingest resolves every host name found in values.
func (r *Resolver) Ingest(values ...string) {
	for _, v := range values {
		for _, host := range hostnameRegex.FindAllString(v, -1) {
			r.addHostname(strings.ToLower(host))
		}
	}
}

func (r *Resolver) addHostname(host string) {
	r.mu.Lock()
	if r.processed[host] {
		r.mu.Unlock()
		return
	}
	r.processed[host] = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range addrs {
		addr = addr.Unmap()
		if !slices.Contains(r.hosts[addr], host) {
			r.hosts[addr] = append(r.hosts[addr], host)
		}
	}
}

// Lookup returns the names that resolved to addr.
func (r *Resolver) Lookup(addr netip.Addr) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.hosts[addr.Unmap()])
}

// Name returns the names of addr joined by commas, or an empty string.
func (r *Resolver) Name(addr netip.Addr) string {
	return strings.Join(r.Lookup(addr), ",")
}

// ProcessStrings returns the command line arguments and environment values
// of pid.
func ProcessStrings(pid int) ([]string, error) {
	cmdline, err := readProc(pid, "cmdline")
	if err != nil {
		return nil, err
	}
	values := splitNul(cmdline)

	// environ may be unreadable for other users' processes
	if environ, err := readProc(pid, "environ"); err == nil {
		for _, kv := range splitNul(environ) {
			if _, v, ok := strings.Cut(kv, "="); ok && v != "" {
				values = append(values, v)
			}
		}
	}
	return values, nil
}

func readProc(pid int, name string) ([]byte, error) {
	path := fmt.Sprintf("/proc/%d/%s", pid, name)
	//nolint:gosec // reading process metadata from /proc
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func splitNul(data []byte) []string {
	var out []string
	for _, field := range bytes.Split(data, []byte{0}) {
		if len(field) > 0 {
			out = append(out, string(field))
		}
	}
	return out
}

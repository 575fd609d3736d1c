// Package portregistry maintains the authoritative in-memory map of ports
// forwarded through a tunnel session.
//
// Mappings arrive from several discovery strategies with different levels of
// trust; the registry resolves conflicts by source priority and exposes
// immutable snapshots plus a subscription channel for change notification.
// All mutation goes through a single mutex so readers always observe a
// consistent view.
package portregistry

import (
	"sort"
	"sync"
	"time"
)

// Protocol classifies the traffic expected on a forwarded port.
type Protocol string

const (
	ProtocolSSH     Protocol = "ssh"
	ProtocolHTTP    Protocol = "http"
	ProtocolHTTPS   Protocol = "https"
	ProtocolTCP     Protocol = "tcp"
	ProtocolUnknown Protocol = "unknown"
)

// Category describes what role a forwarded port plays in the session.
type Category string

const (
	CategoryRPC        Category = "rpc"
	CategorySSH        Category = "ssh"
	CategoryUser       Category = "user"
	CategoryManagement Category = "management"
)

// Source identifies which discovery strategy produced a mapping.
type Source string

const (
	SourceTunnelObject     Source = "tunnel_object"
	SourceManagementAPI    Source = "management_api"
	SourceListeners        Source = "listeners"
	SourceWaitForForwarded Source = "wait_for_forwarded"
	SourceTraceFallback    Source = "trace_fallback"
)

// sourcePriority orders sources by trust. Higher wins on conflict.
var sourcePriority = map[Source]int{
	SourceListeners:        5,
	SourceWaitForForwarded: 4,
	SourceTunnelObject:     3,
	SourceManagementAPI:    2,
	SourceTraceFallback:    1,
}

// RPCWellKnownPort is the remote port of the workspace control-plane RPC
// endpoint.
const RPCWellKnownPort = 16634

// Mapping records one forwarded port pair.
type Mapping struct {
	LocalPort  int      `json:"localPort"`
	RemotePort int      `json:"remotePort"`
	Protocol   Protocol `json:"protocol"`
	Category   Category `json:"category"`
	Source     Source   `json:"source"`
	IsActive   bool     `json:"isActive"`

	seen time.Time
}

// Categorize derives the category from a remote port number.
func Categorize(remotePort int) Category {
	switch {
	case remotePort == RPCWellKnownPort:
		return CategoryRPC
	case remotePort == 22 || remotePort == 2222:
		return CategorySSH
	case remotePort >= 16634 && remotePort <= 16640:
		return CategoryManagement
	default:
		return CategoryUser
	}
}

// Snapshot is an immutable view delivered to readers and subscribers.
type Snapshot struct {
	RPC         *Mapping
	SSH         *Mapping
	User        []Mapping
	Management  []Mapping
	LastUpdated time.Time
}

// All returns every mapping in the snapshot, management and convenience
// slots included, ordered by remote port.
func (s Snapshot) All() []Mapping {
	var out []Mapping
	if s.RPC != nil {
		out = append(out, *s.RPC)
	}
	if s.SSH != nil {
		out = append(out, *s.SSH)
	}
	out = append(out, s.User...)
	out = append(out, s.Management...)
	sort.Slice(out, func(i, j int) bool { return out[i].RemotePort < out[j].RemotePort })
	return out
}

type pairKey struct {
	local  int
	remote int
}

// Registry is the shared mutable port map for one session.
type Registry struct {
	mu          sync.Mutex
	mappings    map[pairKey]Mapping
	lastUpdated time.Time
	subscribers map[int]chan Snapshot
	nextSubID   int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		mappings:    make(map[pairKey]Mapping),
		subscribers: make(map[int]chan Snapshot),
	}
}

// Upsert applies a batch of mappings, resolving conflicts by source priority.
// A mapping for an existing (local, remote) pair replaces the old one only if
// its source priority is greater than or equal to the existing source's
// (equal priority prefers the more recent). Remote ports outside [1, 65535]
// are ignored.
func (r *Registry) Upsert(mappings []Mapping) {
	now := time.Now()

	r.mu.Lock()
	changed := false
	for _, m := range mappings {
		if m.RemotePort < 1 || m.RemotePort > 65535 {
			continue
		}
		if m.LocalPort < 1 || m.LocalPort > 65535 {
			continue
		}
		if m.Category == "" {
			m.Category = Categorize(m.RemotePort)
		}
		if m.Protocol == "" {
			m.Protocol = ProtocolUnknown
		}
		m.seen = now

		key := pairKey{m.LocalPort, m.RemotePort}
		existing, ok := r.mappings[key]
		if ok && sourcePriority[m.Source] < sourcePriority[existing.Source] {
			continue
		}
		if ok && existing == withSeen(m, existing.seen) {
			// Identical payload; refresh the timestamp but do not notify.
			existing.seen = now
			r.mappings[key] = existing
			continue
		}
		r.mappings[key] = m
		changed = true
	}
	if changed {
		r.lastUpdated = now
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.publish(snap)
	}
}

func withSeen(m Mapping, t time.Time) Mapping {
	m.seen = t
	return m
}

// Remove drops every mapping bound to the given local port.
func (r *Registry) Remove(localPort int) {
	r.mu.Lock()
	changed := false
	for key := range r.mappings {
		if key.local == localPort {
			delete(r.mappings, key)
			changed = true
		}
	}
	if changed {
		r.lastUpdated = time.Now()
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.publish(snap)
	}
}

// Snapshot returns a cloned immutable view of the registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// FindRemote returns the active mapping for a remote port, preferring the
// higher-priority source when several local ports map to the same remote.
func (r *Registry) FindRemote(remotePort int) (Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best Mapping
	found := false
	for _, m := range r.mappings {
		if m.RemotePort != remotePort {
			continue
		}
		if !found || sourcePriority[m.Source] > sourcePriority[best.Source] ||
			(sourcePriority[m.Source] == sourcePriority[best.Source] && m.seen.After(best.seen)) {
			best = m
			found = true
		}
	}
	return best, found
}

// Subscribe registers a listener for registry changes. Every delivered value
// is a complete snapshot; deliveries coalesce, so a slow subscriber skips
// superseded snapshots but always ends on the latest. The returned function
// unsubscribes and closes the channel.
func (r *Registry) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Snapshot, 1)
	r.subscribers[id] = ch
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		if sub, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(sub)
		}
		r.mu.Unlock()
	}
	return ch, unsubscribe
}

// publish fans a snapshot out to all subscribers, replacing any undelivered
// older snapshot. The lock is held across the sends so an unsubscribe cannot
// close a channel mid-delivery; every send is non-blocking.
func (r *Registry) publish(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- snap:
		default:
			// Drop the stale pending snapshot, then queue the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (r *Registry) snapshotLocked() Snapshot {
	snap := Snapshot{LastUpdated: r.lastUpdated}
	for _, m := range r.mappings {
		m := m
		switch m.Category {
		case CategoryRPC:
			if snap.RPC == nil || sourcePriority[m.Source] > sourcePriority[snap.RPC.Source] {
				snap.RPC = &m
			}
		case CategorySSH:
			if snap.SSH == nil || sourcePriority[m.Source] > sourcePriority[snap.SSH.Source] {
				snap.SSH = &m
			}
		case CategoryManagement:
			snap.Management = append(snap.Management, m)
		default:
			snap.User = append(snap.User, m)
		}
	}
	sort.Slice(snap.User, func(i, j int) bool { return snap.User[i].RemotePort < snap.User[j].RemotePort })
	sort.Slice(snap.Management, func(i, j int) bool {
		return snap.Management[i].RemotePort < snap.Management[j].RemotePort
	})
	return snap
}

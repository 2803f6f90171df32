package signaling

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/saintparish4/rendezvous/pkg/types"
)

var (
	// ErrPeerOffline is returned by Pair when the target has no live registration.
	ErrPeerOffline = errors.New("peer offline")

	// ErrNotRegistered is returned by Pair when the requester has no live registration.
	ErrNotRegistered = errors.New("not registered")
)

// Registration is a live username claim.
type Registration struct {
	Username string
	IP       string // as observed by the server
	UDPPort  int    // as reported by the client
	Peer     *Peer
	At       time.Time
}

// Endpoint returns the UDP endpoint other peers should punch towards.
func (r Registration) Endpoint() types.Endpoint {
	return types.Endpoint{IP: r.IP, Port: r.UDPPort}
}

// Registry maps usernames to their live registrations.
// Every operation runs under one mutex and performs no I/O while holding it.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]Registration
	pairings uint64

	// Callbacks for lifecycle events (optional). Called without the lock held.
	// added is false when reg replaced an existing entry for the same name.
	OnRegistered func(reg Registration, added bool)
	OnRemoved    func(reg Registration)
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Registration),
	}
}

// Register stores reg, replacing any registration under the same username.
// The replaced handle is marked closed under the lock, so it can never
// register again, and its connection is closed after the lock is released.
// It is returned so the caller can report it. Registering from a handle
// that is already closed fails with ErrClosed and changes nothing.
func (r *Registry) Register(reg Registration) (superseded *Peer, err error) {
	if reg.At.IsZero() {
		reg.At = time.Now()
	}

	r.mu.Lock()
	if reg.Peer != nil && reg.Peer.IsClosed() {
		r.mu.Unlock()
		return nil, fmt.Errorf("register %q: %w", reg.Username, ErrClosed)
	}
	prev, exists := r.entries[reg.Username]
	r.entries[reg.Username] = reg
	// A connection re-registering its own name keeps its connection.
	var retired bool
	if exists && prev.Peer != nil && prev.Peer != reg.Peer {
		superseded = prev.Peer
		retired = superseded.retire()
	}
	r.mu.Unlock()

	if retired {
		superseded.conn.Close()
	}

	if r.OnRegistered != nil {
		r.OnRegistered(reg, !exists)
	}
	return superseded, nil
}

// Remove deletes the registration for username. Removing an absent name is a no-op.
func (r *Registry) Remove(username string) {
	r.mu.Lock()
	reg, exists := r.entries[username]
	if exists {
		delete(r.entries, username)
	}
	r.mu.Unlock()

	if exists && r.OnRemoved != nil {
		r.OnRemoved(reg)
	}
}

// RemoveIfOwner deletes the registration for username only while it still
// belongs to peer. A connection cleaning up after itself must not remove a
// newer registration that superseded it.
func (r *Registry) RemoveIfOwner(username string, peer *Peer) bool {
	r.mu.Lock()
	reg, exists := r.entries[username]
	owned := exists && reg.Peer == peer
	if owned {
		delete(r.entries, username)
	}
	r.mu.Unlock()

	if owned && r.OnRemoved != nil {
		r.OnRemoved(reg)
	}
	return owned
}

// Lookup returns the live registration for username.
func (r *Registry) Lookup(username string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[username]
	return reg, ok
}

// Pair resolves both sides of a connect request from one snapshot.
func (r *Registry) Pair(requester, target string) (self, other Registration, err error) {
	return r.PairFrom(nil, requester, target)
}

// PairFrom is Pair for a request arriving on owner. It fails with
// ErrNotRegistered when requester is registered on a different connection.
// Only successful pairings are counted.
func (r *Registry) PairFrom(owner *Peer, requester, target string) (self, other Registration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self, ok := r.entries[requester]
	if !ok {
		return Registration{}, Registration{}, fmt.Errorf("pair %q: %w", requester, ErrNotRegistered)
	}
	if owner != nil && self.Peer != owner {
		return Registration{}, Registration{}, fmt.Errorf("pair %q: owned by another connection: %w", requester, ErrNotRegistered)
	}
	other, ok = r.entries[target]
	if !ok {
		return Registration{}, Registration{}, fmt.Errorf("pair %q: %w", target, ErrPeerOffline)
	}

	r.pairings++
	return self, other, nil
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Usernames returns a sorted snapshot of the registered names.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	names := maps.Keys(r.entries)
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// All returns a snapshot of all registrations, sorted by username.
// The returned slice is safe to iterate without holding locks.
func (r *Registry) All() []Registration {
	r.mu.Lock()
	regs := maps.Values(r.entries)
	r.mu.Unlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].Username < regs[j].Username })
	return regs
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		TotalPeers:    len(r.entries),
		TotalPairings: r.pairings,
	}
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	TotalPeers    int
	TotalPairings uint64
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("TotalPeers=%d, TotalPairings=%d", s.TotalPeers, s.TotalPairings)
}

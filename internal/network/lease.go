// Package network implements the Network Fabric component: host-side tap
// devices, IPv4 addressing, and the NetworkLease pool allocator that
// generalizes the reference design's fixed 172.29.0.1/16/.2 triple to a
// pool of disjoint triples so more than one VM can run concurrently.
//
// The fabric is deliberately passive: no packet forwarding, no NAT. It
// relies on the kernel's routing table for the subnet between the host and
// guest addresses of each lease (a /30 for pool leases, the /16 for
// FixedLease).
package network

import (
	"fmt"
	"sync"
)

// Lease is a (tap name, host IP, host netmask, guest IP) tuple granted
// exclusively to one VM for its lifetime.
type Lease struct {
	TapName    string
	HostIP     string
	HostMask   string
	GuestIP    string
	index      uint32
}

// LeaseAllocator hands out disjoint Leases from a bounded pool, keyed by an
// index within [0, size); Acquire takes the lowest free index, so released
// slots are reused. Concurrent callers are
// serialized by a mutex guarding a simple free-list; this is sufficient
// since Lease acquisition is not a hot path (one per VM boot).
type LeaseAllocator struct {
	mu     sync.Mutex
	size   uint32
	inUse  map[uint32]bool
	cond   *sync.Cond
}

// NewLeaseAllocator returns an allocator bounded to size concurrent
// leases.
func NewLeaseAllocator(size int) *LeaseAllocator {
	a := &LeaseAllocator{
		size:  uint32(size),
		inUse: make(map[uint32]bool, size),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Acquire blocks until a disjoint triple is available, then returns it.
// Each VM derives its own /30 inside the 172.29.0.0/16 supernet named in
// the specification, indexed so that two leases never overlap.
func (a *LeaseAllocator) Acquire() (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		for idx := uint32(0); idx < a.size; idx++ {
			if a.inUse[idx] {
				continue
			}
			a.inUse[idx] = true
			return leaseForIndex(idx), nil
		}
		if a.size == 0 {
			return nil, fmt.Errorf("network: lease pool has zero capacity")
		}
		a.cond.Wait()
	}
}

// Release returns lease's slot to the pool.
func (a *LeaseAllocator) Release(l *Lease) {
	if l == nil {
		return
	}
	a.mu.Lock()
	delete(a.inUse, l.index)
	a.mu.Unlock()
	a.cond.Signal()
}

// leaseForIndex derives a disjoint /30 pair within 172.29.0.0/16 for the
// given index, following the same third/fourth-octet split the teacher's
// cloudhv.go uses for its 172.16.0.0/16 pool (CreateVM / cleanupOrphanedTaps).
func leaseForIndex(idx uint32) *Lease {
	third := idx / 64
	fourthBase := (idx % 64) * 4
	hostIP := fmt.Sprintf("172.29.%d.%d", third, fourthBase+1)
	guestIP := fmt.Sprintf("172.29.%d.%d", third, fourthBase+2)
	return &Lease{
		TapName:  fmt.Sprintf("cloudlet%d", idx),
		HostIP:   hostIP,
		HostMask: "255.255.255.252",
		GuestIP:  guestIP,
		index:    idx,
	}
}

// FixedLease returns the reference single-VM design's hardcoded triple
// (172.29.0.1, 255.255.0.0, 172.29.0.2), unindexed. Kept for parity with
// the specification's literal reference values and used by tests that
// assert the /16 routing-table assumption independent of pool indexing.
func FixedLease() *Lease {
	return &Lease{
		TapName:  "cloudlet0",
		HostIP:   "172.29.0.1",
		HostMask: "255.255.0.0",
		GuestIP:  "172.29.0.2",
	}
}

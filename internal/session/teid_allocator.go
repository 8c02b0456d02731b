package session

import (
	"fmt"
	"math/rand"
)

// TEIDAllocator mints local Tunnel Endpoint Identifiers. A TEID is never
// reused while the owning tunnel is live; with the sequential strategy the
// values are additionally monotonic over the process lifetime. TEID 0 is
// reserved by the protocol for TEID-less messages and is never returned.
//
// All calls come from the scheduler goroutine.
type TEIDAllocator struct {
	strategy string
	nextTEID uint32
	used     map[uint32]bool
}

// NewTEIDAllocator creates an allocator with the given strategy
// ("sequential" or "random") and start value.
func NewTEIDAllocator(strategy string, start uint32) *TEIDAllocator {
	if start == 0 {
		start = 1
	}
	return &TEIDAllocator{
		strategy: strategy,
		nextTEID: start,
		used:     make(map[uint32]bool),
	}
}

// Allocate returns a new unique TEID.
func (a *TEIDAllocator) Allocate() (uint32, error) {
	switch a.strategy {
	case "sequential":
		for i := 0; i < 1000000; i++ {
			if a.nextTEID == 0 {
				a.nextTEID = 1
			}
			teid := a.nextTEID
			a.nextTEID++
			if !a.used[teid] {
				a.used[teid] = true
				return teid, nil
			}
		}
		return 0, fmt.Errorf("failed to allocate sequential TEID: too many collisions")
	case "random":
		for attempts := 0; attempts < 10000; attempts++ {
			teid := rand.Uint32()
			if teid == 0 || a.used[teid] {
				continue
			}
			a.used[teid] = true
			return teid, nil
		}
		return 0, fmt.Errorf("failed to allocate random TEID after 10000 attempts")
	default:
		return 0, fmt.Errorf("unknown TEID strategy: %s", a.strategy)
	}
}

// Release frees a TEID once its tunnel is destroyed. Sequential allocation
// keeps moving forward, so a released value is not handed out again until
// the 32-bit space wraps.
func (a *TEIDAllocator) Release(teid uint32) {
	delete(a.used, teid)
}

// AllocatedCount returns the number of live TEIDs.
func (a *TEIDAllocator) AllocatedCount() int {
	return len(a.used)
}

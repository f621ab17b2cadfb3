package round

import (
	"sort"
	"sync"

	"liarslie/internal/identity"
)

// Status of one agent id within a round.
type Status int

const (
	StatusPending Status = iota
	StatusVerified
	StatusFailed
	StatusEquivocated
)

// InsertOutcome reports what a verified claim did to its slot.
type InsertOutcome int

const (
	// InsertedFirst filled an empty slot.
	InsertedFirst InsertOutcome = iota
	// InsertedDuplicate matched the claim already held.
	InsertedDuplicate
	// InsertConflict found a differing claim under a valid signature:
	// equivocation. The slot is poisoned for the rest of the round.
	InsertConflict
	// InsertDropped hit a slot already poisoned or failed for good.
	InsertDropped
)

// View is the client-local record of one round, the only structure
// multiple collection goroutines write to. Callers must verify a claim's
// signature before inserting it.
type View struct {
	mu    sync.Mutex
	slots map[uint64]*slot
}

type slot struct {
	status Status
	claim  identity.Claim
}

func NewView() *View {
	return &View{slots: make(map[uint64]*slot)}
}

// Insert applies the first-writer-wins discipline atomically: fill an
// empty slot, tolerate an identical duplicate, flag a conflict.
func (v *View) Insert(c identity.Claim) InsertOutcome {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.slots[c.AgentID]
	if !ok {
		v.slots[c.AgentID] = &slot{status: StatusVerified, claim: c}
		return InsertedFirst
	}
	switch s.status {
	case StatusVerified:
		if s.claim.Value == c.Value {
			return InsertedDuplicate
		}
		// Two differing claims for one id, both under valid signatures.
		// Impossible under the trust model; exclude the id outright.
		s.status = StatusEquivocated
		s.claim = identity.Claim{}
		return InsertConflict
	case StatusEquivocated:
		return InsertDropped
	default:
		// Pending or Failed: a claim arriving late still counts.
		s.status = StatusVerified
		s.claim = c
		return InsertedFirst
	}
}

// Fail marks id unresolved unless a claim already landed.
func (v *View) Fail(id uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.slots[id]
	if !ok {
		v.slots[id] = &slot{status: StatusFailed}
		return
	}
	if s.status == StatusPending {
		s.status = StatusFailed
	}
}

func (v *View) Status(id uint64) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.slots[id]; ok {
		return s.status
	}
	return StatusPending
}

// VerifiedClaims returns the round's claim multiset in id order.
func (v *View) VerifiedClaims() []identity.Claim {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]identity.Claim, 0, len(v.slots))
	for _, s := range v.slots {
		if s.status == StatusVerified {
			out = append(out, s.claim)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// IDsWithStatus returns all ids currently in status, sorted.
func (v *View) IDsWithStatus(status Status) []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []uint64
	for id, s := range v.slots {
		if s.status == status {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

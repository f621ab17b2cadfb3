package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// RoundHeader summarizes one finished round for the recent ring.
type RoundHeader struct {
	Mode         string `json:"mode"`
	Queried      int    `json:"queried"`
	Verified     int    `json:"verified"`
	Failed       int    `json:"failed"`
	Equivocated  int    `json:"equivocated"`
	Resolved     bool   `json:"resolved"`
	NetworkValue uint64 `json:"network_value,omitempty"`
	Failure      string `json:"failure,omitempty"`
}

type Snapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Claims      ClaimMetrics  `json:"claims"`
	Relay       RelayMetrics  `json:"relay"`
	Rounds      RoundMetrics  `json:"rounds"`
	Recent      []RoundHeader `json:"recent"`
}

type ClaimMetrics struct {
	Verified     uint64 `json:"verified"`
	SigInvalid   uint64 `json:"sig_invalid"`
	Equivocation uint64 `json:"equivocation"`
	Duplicate    uint64 `json:"duplicate"`
}

type RelayMetrics struct {
	Queries   uint64 `json:"queries"`
	Failures  uint64 `json:"failures"`
	Retries   uint64 `json:"retries"`
	Exhausted uint64 `json:"exhausted"`
}

type RoundMetrics struct {
	Resolved uint64 `json:"resolved"`
	Failed   uint64 `json:"failed"`
}

type Metrics struct {
	claimVerified     atomic.Uint64
	claimSigInvalid   atomic.Uint64
	claimEquivocation atomic.Uint64
	claimDuplicate    atomic.Uint64
	relayQueries      atomic.Uint64
	relayFailures     atomic.Uint64
	relayRetries      atomic.Uint64
	relayExhausted    atomic.Uint64
	roundsResolved    atomic.Uint64
	roundsFailed      atomic.Uint64
	recent            *RoundRecent
}

func New() *Metrics {
	return &Metrics{recent: NewRoundRecent(32)}
}

func (m *Metrics) IncClaimVerified()     { m.claimVerified.Add(1) }
func (m *Metrics) IncClaimSigInvalid()   { m.claimSigInvalid.Add(1) }
func (m *Metrics) IncClaimEquivocation() { m.claimEquivocation.Add(1) }
func (m *Metrics) IncClaimDuplicate()    { m.claimDuplicate.Add(1) }
func (m *Metrics) IncRelayQueries()      { m.relayQueries.Add(1) }
func (m *Metrics) IncRelayFailures()     { m.relayFailures.Add(1) }
func (m *Metrics) IncRelayRetries()      { m.relayRetries.Add(1) }
func (m *Metrics) IncRelayExhausted()    { m.relayExhausted.Add(1) }
func (m *Metrics) IncRoundsResolved()    { m.roundsResolved.Add(1) }
func (m *Metrics) IncRoundsFailed()      { m.roundsFailed.Add(1) }

func (m *Metrics) AddRound(h RoundHeader) {
	if m == nil {
		return
	}
	if h.Resolved {
		m.IncRoundsResolved()
	} else {
		m.IncRoundsFailed()
	}
	if m.recent != nil {
		m.recent.Add(h)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []RoundHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Claims: ClaimMetrics{
			Verified:     m.claimVerified.Load(),
			SigInvalid:   m.claimSigInvalid.Load(),
			Equivocation: m.claimEquivocation.Load(),
			Duplicate:    m.claimDuplicate.Load(),
		},
		Relay: RelayMetrics{
			Queries:   m.relayQueries.Load(),
			Failures:  m.relayFailures.Load(),
			Retries:   m.relayRetries.Load(),
			Exhausted: m.relayExhausted.Load(),
		},
		Rounds: RoundMetrics{
			Resolved: m.roundsResolved.Load(),
			Failed:   m.roundsFailed.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// RoundRecent keeps the last few round headers, oldest evicted first.
type RoundRecent struct {
	mu   sync.Mutex
	cap  int
	list []RoundHeader
}

func NewRoundRecent(capacity int) *RoundRecent {
	if capacity <= 0 {
		capacity = 32
	}
	return &RoundRecent{cap: capacity}
}

func (r *RoundRecent) Add(h RoundHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *RoundRecent) List() []RoundHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoundHeader, len(r.list))
	copy(out, r.list)
	return out
}

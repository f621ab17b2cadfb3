package round

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"liarslie/internal/identity"
	"liarslie/internal/metrics"
	"liarslie/internal/proto"
	"liarslie/internal/roster"
)

const (
	defaultRequestTimeout = 3 * time.Second
	defaultRelayRetries   = 2
)

// Transport is the request/response channel the aggregator needs from
// its networking collaborator. One request, one framed reply.
type Transport interface {
	Request(ctx context.Context, addr string, payload []byte) ([]byte, error)
}

// Config carries the per-round knobs the protocol leaves to the caller.
type Config struct {
	// RequestTimeout bounds every direct and relay request independently.
	RequestTimeout time.Duration
	// RelayRetries is how many extra passes to attempt for a relay-only
	// id after the first fan-out comes back empty.
	RelayRetries int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.RelayRetries == 0 {
		c.RelayRetries = defaultRelayRetries
	} else if c.RelayRetries < 0 {
		c.RelayRetries = 0
	}
	return c
}

// Topology is the per-round reachability input for restricted mode:
// which targets each directly reachable agent can relay to. An id with
// no entry is assumed able to reach anyone.
type Topology struct {
	Reach map[uint64][]uint64
}

func (t Topology) relaysFor(targetID uint64, live []roster.Record) []roster.Record {
	var out []roster.Record
	for _, rec := range live {
		reach, known := t.Reach[rec.ID]
		if !known {
			out = append(out, rec)
			continue
		}
		for _, id := range reach {
			if id == targetID {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

// Result is one round's outcome. Value is meaningful only when Err from
// the Play call is nil.
type Result struct {
	Value       uint64
	Claims      []identity.Claim
	Failed      []uint64
	Equivocated []uint64
}

// Aggregator drives rounds against a read-only roster snapshot.
type Aggregator struct {
	dir *roster.Directory
	tr  Transport
	cfg Config
	m   *metrics.Metrics
	log *logrus.Entry
}

func NewAggregator(dir *roster.Directory, tr Transport, cfg Config, m *metrics.Metrics) *Aggregator {
	if m == nil {
		m = metrics.New()
	}
	return &Aggregator{
		dir: dir,
		tr:  tr,
		cfg: cfg.withDefaults(),
		m:   m,
		log: logrus.WithField("pkg", "round"),
	}
}

// PlayStandard queries every roster agent directly and resolves. Agents
// that do not answer within the timeout are assumed dead, not slow;
// there is no retry when everyone is directly reachable.
func (a *Aggregator) PlayStandard(ctx context.Context) (*Result, error) {
	view := NewView()
	var wg sync.WaitGroup
	for _, rec := range a.dir.All() {
		wg.Add(1)
		go func(rec roster.Record) {
			defer wg.Done()
			claim, err := a.queryDirect(ctx, rec)
			if err != nil {
				a.log.WithError(err).WithField("agent_id", rec.ID).Warn("direct query failed")
				view.Fail(rec.ID)
				return
			}
			a.accept(view, rec.ID, claim)
		}(rec)
	}
	wg.Wait()
	return a.finish(view, "standard", a.dir.Len(), false)
}

// PlayRestricted runs a round where only directIDs can be dialed; every
// other roster agent is fetched through relays per topo.
func (a *Aggregator) PlayRestricted(ctx context.Context, directIDs []uint64, topo Topology) (*Result, error) {
	direct, relayOnly := a.dir.Partition(directIDs)
	view := NewView()

	// Phase 1: the reachable subset, queried exactly as in standard
	// mode. Reachability buys no trust; their signatures are checked
	// like anyone else's.
	var (
		wg     sync.WaitGroup
		liveMu sync.Mutex
		live   []roster.Record
	)
	for _, rec := range direct {
		wg.Add(1)
		go func(rec roster.Record) {
			defer wg.Done()
			claim, err := a.queryDirect(ctx, rec)
			if err != nil {
				a.log.WithError(err).WithField("agent_id", rec.ID).Warn("direct query failed")
				view.Fail(rec.ID)
				return
			}
			liveMu.Lock()
			live = append(live, rec)
			liveMu.Unlock()
			a.accept(view, rec.ID, claim)
		}(rec)
	}
	wg.Wait()

	// Phase 2: relay-only ids, fetched concurrently through the live
	// reachable agents.
	var relayWG sync.WaitGroup
	for _, rec := range relayOnly {
		relayWG.Add(1)
		go func(rec roster.Record) {
			defer relayWG.Done()
			a.fetchViaRelays(ctx, view, rec, live, topo)
		}(rec)
	}
	relayWG.Wait()
	return a.finish(view, "restricted", a.dir.Len(), true)
}

// queryDirect asks one agent for its own claim.
func (a *Aggregator) queryDirect(ctx context.Context, rec roster.Record) (identity.Claim, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	req, err := proto.EncodeValueQueryMsg(proto.ValueQueryMsg{})
	if err != nil {
		return identity.Claim{}, err
	}
	resp, err := a.tr.Request(reqCtx, rec.Addr, req)
	if err != nil {
		return identity.Claim{}, err
	}
	msg, err := proto.DecodeSignedClaimMsg(resp)
	if err != nil {
		return identity.Claim{}, fmt.Errorf("agent %d: %w", rec.ID, err)
	}
	return proto.ClaimFromMsg(msg)
}

// accept verifies a claim attributed to wantID and records the outcome.
// Verification failure is a typed outcome here, never an abort.
func (a *Aggregator) accept(view *View, wantID uint64, claim identity.Claim) {
	if !a.verifyFor(wantID, claim) {
		a.m.IncClaimSigInvalid()
		a.log.WithFields(logrus.Fields{
			"agent_id":   wantID,
			"claimed_id": claim.AgentID,
		}).Warn("verification failure, claim discarded")
		view.Fail(wantID)
		return
	}
	switch view.Insert(claim) {
	case InsertedFirst:
		a.m.IncClaimVerified()
	case InsertedDuplicate:
		a.m.IncClaimDuplicate()
	case InsertConflict:
		a.m.IncClaimEquivocation()
		a.log.WithField("agent_id", wantID).Warn("equivocation detected, id excluded")
	case InsertDropped:
	}
}

// verifyFor checks that claim is attributed to the id we asked about and
// carries a valid signature under that id's roster key.
func (a *Aggregator) verifyFor(wantID uint64, claim identity.Claim) bool {
	if claim.AgentID != wantID {
		return false
	}
	rec, ok := a.dir.Resolve(wantID)
	if !ok {
		return false
	}
	pub, err := rec.PublicKey()
	if err != nil {
		return false
	}
	return identity.VerifyClaim(pub, claim)
}

// fetchViaRelays obtains target's claim through the live reachable
// agents, retrying whole passes up to the configured budget. A target
// nobody can produce ends Failed; it never stalls the round.
func (a *Aggregator) fetchViaRelays(ctx context.Context, view *View, target roster.Record, live []roster.Record, topo Topology) {
	candidates := topo.relaysFor(target.ID, live)
	if len(candidates) == 0 {
		a.log.WithField("agent_id", target.ID).Warn("no relay path")
		view.Fail(target.ID)
		return
	}
	for attempt := 0; attempt <= a.cfg.RelayRetries; attempt++ {
		if attempt > 0 {
			a.m.IncRelayRetries()
		}
		a.relayPass(ctx, view, target, candidates)
		if s := view.Status(target.ID); s == StatusVerified || s == StatusEquivocated {
			return
		}
		if ctx.Err() != nil {
			break
		}
	}
	a.m.IncRelayExhausted()
	a.log.WithField("agent_id", target.ID).Warn("relay paths exhausted")
	view.Fail(target.ID)
}

// relayPass fans the relay query out to every candidate at once. The
// first claim that verifies wins the slot; the rest become duplicates or
// expose equivocation. Outstanding requests for a settled id are
// cancelled, not awaited.
func (a *Aggregator) relayPass(ctx context.Context, view *View, target roster.Record, candidates []roster.Record) {
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for _, relay := range candidates {
		wg.Add(1)
		go func(relay roster.Record) {
			defer wg.Done()
			claim, err := a.queryViaRelay(passCtx, relay, target)
			if err != nil {
				a.m.IncRelayFailures()
				a.log.WithError(err).WithFields(logrus.Fields{
					"relay_id":  relay.ID,
					"target_id": target.ID,
				}).Debug("relay query failed")
				return
			}
			a.accept(view, target.ID, claim)
			if s := view.Status(target.ID); s == StatusVerified || s == StatusEquivocated {
				cancel()
			}
		}(relay)
	}
	wg.Wait()
}

func (a *Aggregator) queryViaRelay(ctx context.Context, relay, target roster.Record) (identity.Claim, error) {
	a.m.IncRelayQueries()
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	req, err := proto.EncodeRelayQueryMsg(proto.RelayQueryMsg{
		TargetID:   target.ID,
		TargetAddr: target.Addr,
	})
	if err != nil {
		return identity.Claim{}, err
	}
	resp, err := a.tr.Request(reqCtx, relay.Addr, req)
	if err != nil {
		return identity.Claim{}, err
	}
	switch proto.SniffType(resp) {
	case proto.MsgTypeSignedClaim:
		msg, err := proto.DecodeSignedClaimMsg(resp)
		if err != nil {
			return identity.Claim{}, err
		}
		return proto.ClaimFromMsg(msg)
	case proto.MsgTypeRelayFailure:
		msg, err := proto.DecodeRelayFailureMsg(resp)
		if err != nil {
			return identity.Claim{}, err
		}
		return identity.Claim{}, fmt.Errorf("relay %d reports %s for target %d", relay.ID, msg.Reason, msg.TargetID)
	default:
		return identity.Claim{}, fmt.Errorf("relay %d: unexpected reply type %q", relay.ID, proto.SniffType(resp))
	}
}

// finish resolves the verified set and builds the round result.
func (a *Aggregator) finish(view *View, mode string, attempted int, checkQuorum bool) (*Result, error) {
	result := &Result{
		Claims:      view.VerifiedClaims(),
		Failed:      view.IDsWithStatus(StatusFailed),
		Equivocated: view.IDsWithStatus(StatusEquivocated),
	}
	header := metrics.RoundHeader{
		Mode:        mode,
		Queried:     attempted,
		Verified:    len(result.Claims),
		Failed:      len(result.Failed),
		Equivocated: len(result.Equivocated),
	}

	// In restricted mode too many Failed ids make the majority outcome
	// meaningless: a minority cohort could outvote the missing honest
	// agents. Surface that instead of guessing.
	if checkQuorum && len(result.Claims)*2 <= attempted {
		err := fmt.Errorf("%w: %d verified of %d queried", ErrInsufficientResponses, len(result.Claims), attempted)
		header.Failure = err.Error()
		a.m.AddRound(header)
		return result, err
	}

	value, err := Resolve(result.Claims)
	if err != nil {
		header.Failure = err.Error()
		a.m.AddRound(header)
		a.log.WithError(err).Warn("round failed")
		return result, err
	}
	result.Value = value
	header.Resolved = true
	header.NetworkValue = value
	a.m.AddRound(header)
	a.log.WithFields(logrus.Fields{
		"mode":     mode,
		"value":    value,
		"verified": len(result.Claims),
	}).Info("round resolved")
	return result, nil
}

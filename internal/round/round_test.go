package round

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liarslie/internal/agent"
	"liarslie/internal/identity"
	"liarslie/internal/proto"
	"liarslie/internal/roster"
)

// memNet routes requests to in-process handlers by address, standing in
// for the QUIC transport on both the client and relay sides.
type memNet struct {
	mu       sync.Mutex
	handlers map[string]func([]byte) []byte
}

func newMemNet() *memNet {
	return &memNet{handlers: make(map[string]func([]byte) []byte)}
}

func (m *memNet) install(addr string, h func([]byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[addr] = h
}

func (m *memNet) remove(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, addr)
}

func (m *memNet) Request(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	m.mu.Lock()
	h := m.handlers[addr]
	m.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	resp := h(payload)
	if resp == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return resp, nil
}

type fixture struct {
	t       *testing.T
	net     *memNet
	client  identity.KeyPair
	records []roster.Record
	nextID  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, err := identity.Generate()
	require.NoError(t, err)
	return &fixture{t: t, net: newMemNet(), client: client, nextID: 1}
}

func (f *fixture) addr(id uint64) string {
	return fmt.Sprintf("mem://agent/%d", id)
}

func (f *fixture) addHonest(value uint64) *agent.Agent {
	f.t.Helper()
	id := f.nextID
	f.nextID++
	a, err := agent.NewHonest(id, value, f.client.Pub, agent.Options{Requester: f.net})
	require.NoError(f.t, err)
	f.net.install(f.addr(id), a.Handle)
	f.records = append(f.records, a.Record(f.addr(id)))
	return a
}

func (f *fixture) addLiar(honest, max uint64, tamperChance float64, seed int64) *agent.Agent {
	f.t.Helper()
	id := f.nextID
	f.nextID++
	a, err := agent.NewLiar(id, honest, max, f.client.Pub, agent.Options{
		Requester:    f.net,
		TamperChance: tamperChance,
		Rand:         rand.New(rand.NewSource(seed)),
	})
	require.NoError(f.t, err)
	f.net.install(f.addr(id), a.Handle)
	f.records = append(f.records, a.Record(f.addr(id)))
	return a
}

// addSilent registers a roster entry whose agent never answers.
func (f *fixture) addSilent() uint64 {
	f.t.Helper()
	id := f.nextID
	f.nextID++
	keys, err := identity.Generate()
	require.NoError(f.t, err)
	f.net.install(f.addr(id), func([]byte) []byte { return nil })
	f.records = append(f.records, roster.Record{ID: id, Addr: f.addr(id), PubKey: keys.PubHex()})
	return id
}

func (f *fixture) aggregator(cfg Config) *Aggregator {
	f.t.Helper()
	dir, err := roster.NewDirectory(f.records)
	require.NoError(f.t, err)
	return NewAggregator(dir, f.net, cfg, nil)
}

func TestStandardRoundResolvesTrueValue(t *testing.T) {
	f := newFixture(t)
	// trueValue=7, maxValue=10, numAgents=5, liarRatio=0.4.
	f.addHonest(7)
	f.addHonest(7)
	f.addHonest(7)
	f.addLiar(7, 10, 0, 11)
	f.addLiar(7, 10, 0, 12)

	result, err := f.aggregator(Config{}).PlayStandard(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), result.Value)
	require.Len(t, result.Claims, 5)
	require.Empty(t, result.Failed)
}

func TestStandardRoundExcludesDeadAgent(t *testing.T) {
	f := newFixture(t)
	f.addHonest(7)
	f.addHonest(7)
	dead := f.addLiar(7, 10, 0, 3)
	f.net.remove(f.addr(dead.ID()))

	result, err := f.aggregator(Config{}).PlayStandard(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), result.Value)
	require.Equal(t, []uint64{dead.ID()}, result.Failed)
}

func TestStandardRoundTimesOutSilentAgent(t *testing.T) {
	f := newFixture(t)
	f.addHonest(7)
	f.addHonest(7)
	silent := f.addSilent()

	start := time.Now()
	result, err := f.aggregator(Config{RequestTimeout: 100 * time.Millisecond}).PlayStandard(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, uint64(7), result.Value)
	require.Equal(t, []uint64{silent}, result.Failed)
}

func TestStandardRoundDiscardsInvalidSignature(t *testing.T) {
	f := newFixture(t)
	f.addHonest(7)
	f.addHonest(7)
	// Roster lists a different key than the one the agent signs with,
	// so its claims can never verify.
	imposter := f.addHonest(9)
	other, err := identity.Generate()
	require.NoError(t, err)
	for i := range f.records {
		if f.records[i].ID == imposter.ID() {
			f.records[i].PubKey = other.PubHex()
		}
	}

	result, err := f.aggregator(Config{}).PlayStandard(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), result.Value)
	require.Equal(t, []uint64{imposter.ID()}, result.Failed)
	require.Len(t, result.Claims, 2)
}

func TestStandardRoundAmbiguousTie(t *testing.T) {
	f := newFixture(t)
	// numAgents=4, two value-cohorts tied 2 vs 2.
	f.addHonest(7)
	f.addHonest(7)
	f.addHonest(9)
	f.addHonest(9)

	_, err := f.aggregator(Config{}).PlayStandard(context.Background())
	require.ErrorIs(t, err, ErrAmbiguousResult)
}

func TestStandardRoundNoResponses(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	f.net.remove(f.addr(a.ID()))

	_, err := f.aggregator(Config{}).PlayStandard(context.Background())
	require.ErrorIs(t, err, ErrNoResponses)
}

func TestRestrictedRoundFetchesThroughRelays(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	b := f.addHonest(7)
	c := f.addHonest(7)
	d := f.addLiar(7, 10, 0, 21)

	topo := Topology{Reach: map[uint64][]uint64{
		a.ID(): {c.ID()},
		b.ID(): {d.ID()},
	}}
	result, err := f.aggregator(Config{}).PlayRestricted(context.Background(), []uint64{a.ID(), b.ID()}, topo)
	require.NoError(t, err)
	require.Equal(t, uint64(7), result.Value)
	require.Len(t, result.Claims, 4)
	require.Empty(t, result.Failed)
}

func TestRestrictedRoundTamperedRelayExcluded(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	// B lies about its own value and always forges what it relays.
	b := f.addLiar(7, 10, 1, 31)
	c := f.addHonest(7)
	d := f.addLiar(7, 10, 0, 32)

	topo := Topology{Reach: map[uint64][]uint64{
		a.ID(): {c.ID()},
		b.ID(): {d.ID()},
	}}
	result, err := f.aggregator(Config{RequestTimeout: 200 * time.Millisecond}).PlayRestricted(
		context.Background(), []uint64{a.ID(), b.ID()}, topo)
	require.NoError(t, err)
	// D's only path is through B, whose forgeries never verify, so D is
	// excluded and resolution proceeds on A, B, C.
	require.Equal(t, uint64(7), result.Value)
	require.Len(t, result.Claims, 3)
	require.Contains(t, result.Failed, d.ID())
}

func TestRestrictedRoundSoleRelayPathKilled(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	b := f.addHonest(7)
	e := f.addHonest(7)
	c := f.addHonest(7)
	d := f.addHonest(7)
	// B was the only agent able to reach D, and B is dead.
	f.net.remove(f.addr(b.ID()))
	topo := Topology{Reach: map[uint64][]uint64{
		a.ID(): {c.ID()},
		b.ID(): {d.ID()},
		e.ID(): {},
	}}

	result, err := f.aggregator(Config{RequestTimeout: 200 * time.Millisecond}).PlayRestricted(
		context.Background(), []uint64{a.ID(), b.ID(), e.ID()}, topo)
	require.NoError(t, err)
	require.Equal(t, uint64(7), result.Value)
	require.Contains(t, result.Failed, b.ID())
	require.Contains(t, result.Failed, d.ID())
}

func TestRestrictedRoundAlternatePathSurvivesKill(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	b := f.addHonest(7)
	e := f.addHonest(7)
	c := f.addHonest(7)
	d := f.addLiar(7, 10, 0, 41)
	// Both B and E can reach D; B dies before the round.
	f.net.remove(f.addr(b.ID()))
	topo := Topology{Reach: map[uint64][]uint64{
		a.ID(): {c.ID()},
		b.ID(): {d.ID()},
		e.ID(): {d.ID()},
	}}

	result, err := f.aggregator(Config{RequestTimeout: 200 * time.Millisecond}).PlayRestricted(
		context.Background(), []uint64{a.ID(), b.ID(), e.ID()}, topo)
	require.NoError(t, err)
	require.Equal(t, uint64(7), result.Value)
	require.ElementsMatch(t, []uint64{a.ID(), c.ID(), d.ID(), e.ID()}, verifiedIDs(result))
}

func verifiedIDs(r *Result) []uint64 {
	out := make([]uint64, 0, len(r.Claims))
	for _, c := range r.Claims {
		out = append(out, c.AgentID)
	}
	return out
}

func TestRestrictedRoundRetriesFlakyRelay(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	b := f.addHonest(7)
	target := f.addHonest(7)

	// Wrap A's handler: the first relay pass fails, later ones work.
	var calls atomic.Int64
	real := a.Handle
	f.net.install(f.addr(a.ID()), func(payload []byte) []byte {
		if proto.SniffType(payload) == proto.MsgTypeRelayQuery && calls.Add(1) == 1 {
			resp, _ := proto.EncodeRelayFailureMsg(proto.RelayFailureMsg{
				TargetID: target.ID(), Reason: proto.ReasonTimeout,
			})
			return resp
		}
		return real(payload)
	})
	topo := Topology{Reach: map[uint64][]uint64{
		a.ID(): {target.ID()},
		b.ID(): {},
	}}

	result, err := f.aggregator(Config{RelayRetries: 2}).PlayRestricted(
		context.Background(), []uint64{a.ID(), b.ID()}, topo)
	require.NoError(t, err)
	require.Equal(t, uint64(7), result.Value)
	require.Len(t, result.Claims, 3)
}

func TestRestrictedRoundEquivocationDetected(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	b := f.addHonest(7)

	// A roster-listed target whose key signs two different values; each
	// relay hands the client a different, individually valid claim.
	targetKeys, err := identity.Generate()
	require.NoError(t, err)
	targetID := f.nextID
	f.nextID++
	f.records = append(f.records, roster.Record{ID: targetID, Addr: f.addr(targetID), PubKey: targetKeys.PubHex()})
	claimLow := proto.MsgFromClaim(identity.SignClaim(targetKeys.Priv, targetID, 7))
	claimHigh := proto.MsgFromClaim(identity.SignClaim(targetKeys.Priv, targetID, 9))

	wrap := func(inner func([]byte) []byte, claim proto.SignedClaimMsg) func([]byte) []byte {
		return func(payload []byte) []byte {
			if proto.SniffType(payload) == proto.MsgTypeRelayQuery {
				resp, _ := proto.EncodeSignedClaimMsg(claim)
				return resp
			}
			return inner(payload)
		}
	}
	f.net.install(f.addr(a.ID()), wrap(a.Handle, claimLow))
	f.net.install(f.addr(b.ID()), wrap(b.Handle, claimHigh))

	result, err := f.aggregator(Config{}).PlayRestricted(
		context.Background(), []uint64{a.ID(), b.ID()}, Topology{})
	require.NoError(t, err)
	require.Equal(t, uint64(7), result.Value)
	require.Equal(t, []uint64{targetID}, result.Equivocated)
	require.Len(t, result.Claims, 2)
}

func TestRestrictedRoundInsufficientResponses(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	// Three relay-only agents with no relay able to reach them.
	f.addSilent()
	f.addSilent()
	f.addSilent()
	f.net.remove(f.addr(2))
	f.net.remove(f.addr(3))
	f.net.remove(f.addr(4))

	topo := Topology{Reach: map[uint64][]uint64{a.ID(): {}}}
	_, err := f.aggregator(Config{RequestTimeout: 100 * time.Millisecond}).PlayRestricted(
		context.Background(), []uint64{a.ID()}, topo)
	require.ErrorIs(t, err, ErrInsufficientResponses)
}

func TestLiarConsistentAcrossDirectAndRelay(t *testing.T) {
	f := newFixture(t)
	a := f.addHonest(7)
	b := f.addHonest(7)
	liar := f.addLiar(7, 100, 0, 51)

	// Direct query.
	agg := f.aggregator(Config{})
	direct, err := agg.PlayStandard(context.Background())
	require.NoError(t, err)
	var directValue uint64
	for _, c := range direct.Claims {
		if c.AgentID == liar.ID() {
			directValue = c.Value
		}
	}
	require.NotZero(t, directValue)

	// Same liar fetched through a relay in a restricted round.
	topo := Topology{Reach: map[uint64][]uint64{
		a.ID(): {liar.ID()},
		b.ID(): {liar.ID()},
	}}
	relayed, err := agg.PlayRestricted(context.Background(), []uint64{a.ID(), b.ID()}, topo)
	require.NoError(t, err)
	for _, c := range relayed.Claims {
		if c.AgentID == liar.ID() {
			require.Equal(t, directValue, c.Value, "a liar's value is fixed, never redrawn")
		}
	}
}

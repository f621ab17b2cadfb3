package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"liarslie/internal/identity"
	"liarslie/internal/network"
	"liarslie/internal/proto"
	"liarslie/internal/roster"
)

const defaultRelayTimeout = 3 * time.Second

// Requester is the dial-out side an agent uses to satisfy relay queries.
type Requester interface {
	Request(ctx context.Context, addr string, payload []byte) ([]byte, error)
}

// Options tune a responder beyond its identity and value.
type Options struct {
	// TamperChance is the probability a dishonest agent substitutes a
	// forged claim when relaying. Zero for honest agents.
	TamperChance float64
	// Reach restricts which roster ids this agent will relay to.
	// Nil means any.
	Reach []uint64
	// Requester overrides the relay transport (tests).
	Requester Requester
	// RelayTimeout bounds each outbound relay hop.
	RelayTimeout time.Duration
	// Rand seeds the liar draw and tamper rolls (tests).
	Rand *rand.Rand
}

// Agent is one responder process: a fixed value, a truthfulness set at
// creation, and signing keys. It holds no cross-request state.
type Agent struct {
	id        uint64
	value     uint64
	truthful  bool
	keys      identity.KeyPair
	clientPub ed25519.PublicKey

	tamperChance float64
	reach        map[uint64]bool
	requester    Requester
	relayTimeout time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	log *logrus.Entry

	ln        *network.Listener
	done      chan struct{}
	closeOnce sync.Once
}

// NewHonest builds an agent that always reports value.
func NewHonest(id, value uint64, clientPub ed25519.PublicKey, opts Options) (*Agent, error) {
	if value == 0 {
		return nil, errors.New("value must be positive")
	}
	return newAgent(id, value, true, clientPub, opts)
}

// NewLiar builds an agent whose reported value is drawn once, here, from
// [1, maxValue] excluding honestValue, and never changes afterwards.
func NewLiar(id, honestValue, maxValue uint64, clientPub ed25519.PublicKey, opts Options) (*Agent, error) {
	if maxValue < 2 {
		return nil, errors.New("max value must be at least 2")
	}
	if honestValue == 0 || honestValue > maxValue {
		return nil, fmt.Errorf("honest value %d out of range [1,%d]", honestValue, maxValue)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	opts.Rand = rng
	return newAgent(id, LiarValue(rng, honestValue, maxValue), false, clientPub, opts)
}

func newAgent(id, value uint64, truthful bool, clientPub ed25519.PublicKey, opts Options) (*Agent, error) {
	keys, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	var reach map[uint64]bool
	if opts.Reach != nil {
		reach = make(map[uint64]bool, len(opts.Reach))
		for _, rid := range opts.Reach {
			reach[rid] = true
		}
	}
	requester := opts.Requester
	if requester == nil {
		requester = network.NewClient()
	}
	relayTimeout := opts.RelayTimeout
	if relayTimeout <= 0 {
		relayTimeout = defaultRelayTimeout
	}
	return &Agent{
		id:           id,
		value:        value,
		truthful:     truthful,
		keys:         keys,
		clientPub:    clientPub,
		tamperChance: opts.TamperChance,
		reach:        reach,
		requester:    requester,
		relayTimeout: relayTimeout,
		rng:          rng,
		log:          logrus.WithFields(logrus.Fields{"pkg": "agent", "agent_id": id}),
		done:         make(chan struct{}),
	}, nil
}

// LiarValue draws uniformly from [1,max] with honest skipped. The range
// is shortened by one and shifted past honest, so no rejection loop.
func LiarValue(rng *rand.Rand, honest, max uint64) uint64 {
	v := rng.Uint64()%(max-1) + 1
	if v >= honest {
		v++
	}
	return v
}

func (a *Agent) ID() uint64 {
	return a.id
}

func (a *Agent) PubHex() string {
	return a.keys.PubHex()
}

// Claim returns the agent's own signed claim. A liar signs its fixed lie
// the same way an honest agent signs the true value.
func (a *Agent) Claim() identity.Claim {
	return identity.SignClaim(a.keys.Priv, a.id, a.value)
}

// Record publishes the agent's roster entry for addr.
func (a *Agent) Record(addr string) roster.Record {
	return roster.Record{ID: a.id, Addr: addr, PubKey: a.keys.PubHex()}
}

// Start binds addr (":0" for an ephemeral port) and serves requests in
// the background. Returns the bound address once the listener is live.
func (a *Agent) Start(addr string) (string, error) {
	ln, err := network.Listen(addr)
	if err != nil {
		return "", err
	}
	a.ln = ln
	go func() {
		_ = ln.Serve(a.Handle)
	}()
	a.log.WithField("addr", ln.Addr()).Info("agent listening")
	return ln.Addr(), nil
}

// Stop closes the listener. Idempotent.
func (a *Agent) Stop() {
	a.closeOnce.Do(func() {
		if a.ln != nil {
			_ = a.ln.Close()
		}
		close(a.done)
	})
}

// Done is closed once the agent has shut down.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Handle dispatches one request payload and returns the response
// payload, nil when none is owed.
func (a *Agent) Handle(payload []byte) []byte {
	switch proto.SniffType(payload) {
	case proto.MsgTypeValueQuery:
		if _, err := proto.DecodeValueQueryMsg(payload); err != nil {
			a.log.WithError(err).Debug("bad value query")
			return nil
		}
		return a.claimPayload()
	case proto.MsgTypeRelayQuery:
		m, err := proto.DecodeRelayQueryMsg(payload)
		if err != nil {
			a.log.WithError(err).Debug("bad relay query")
			return nil
		}
		return a.handleRelayQuery(m)
	case proto.MsgTypeKill:
		m, err := proto.DecodeKillMsg(payload)
		if err != nil {
			a.log.WithError(err).Debug("bad kill message")
			return nil
		}
		a.handleKill(m)
		return nil
	default:
		a.log.WithField("type", proto.SniffType(payload)).Debug("unknown message")
		return nil
	}
}

func (a *Agent) claimPayload() []byte {
	data, err := proto.EncodeSignedClaimMsg(proto.MsgFromClaim(a.Claim()))
	if err != nil {
		a.log.WithError(err).Error("encode own claim")
		return nil
	}
	return data
}

func (a *Agent) handleRelayQuery(m proto.RelayQueryMsg) []byte {
	if m.TargetID == a.id {
		return a.claimPayload()
	}
	if a.reach != nil && !a.reach[m.TargetID] {
		return a.relayFailure(m.TargetID, proto.ReasonNotFound)
	}
	if m.TargetAddr == "" {
		return a.relayFailure(m.TargetID, proto.ReasonNotFound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.relayTimeout)
	defer cancel()
	req, err := proto.EncodeValueQueryMsg(proto.ValueQueryMsg{RequesterID: a.id})
	if err != nil {
		return a.relayFailure(m.TargetID, proto.ReasonDead)
	}
	resp, err := a.requester.Request(ctx, m.TargetAddr, req)
	if err != nil {
		reason := proto.ReasonDead
		if errors.Is(err, context.DeadlineExceeded) {
			reason = proto.ReasonTimeout
		}
		a.log.WithError(err).WithField("target_id", m.TargetID).Debug("relay hop failed")
		return a.relayFailure(m.TargetID, reason)
	}
	claimMsg, err := proto.DecodeSignedClaimMsg(resp)
	if err != nil {
		return a.relayFailure(m.TargetID, proto.ReasonDead)
	}

	if a.shouldTamper() {
		// A dishonest relay substitutes a fabricated claim: the target's
		// id over this agent's own lie, signed with this agent's key.
		forged := identity.SignClaim(a.keys.Priv, m.TargetID, a.value)
		claimMsg = proto.MsgFromClaim(forged)
		a.log.WithField("target_id", m.TargetID).Debug("tampering relayed claim")
	}

	data, err := proto.EncodeSignedClaimMsg(claimMsg)
	if err != nil {
		return a.relayFailure(m.TargetID, proto.ReasonDead)
	}
	return data
}

func (a *Agent) shouldTamper() bool {
	if a.truthful || a.tamperChance <= 0 {
		return false
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return a.rng.Float64() < a.tamperChance
}

func (a *Agent) handleKill(m proto.KillMsg) {
	if m.AgentID != a.id {
		return
	}
	sig, err := identity.ParseSig(m.Sig)
	if err != nil {
		a.log.Warn("kill with malformed signature ignored")
		return
	}
	if !identity.VerifyKill(a.clientPub, a.id, sig) {
		a.log.Warn("kill with invalid signature ignored")
		return
	}
	a.log.Info("agent killed")
	a.Stop()
}

func (a *Agent) relayFailure(targetID uint64, reason string) []byte {
	data, err := proto.EncodeRelayFailureMsg(proto.RelayFailureMsg{TargetID: targetID, Reason: reason})
	if err != nil {
		a.log.WithError(err).Error("encode relay failure")
		return nil
	}
	return data
}

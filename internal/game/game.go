package game

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"liarslie/internal/agent"
	"liarslie/internal/identity"
	"liarslie/internal/metrics"
	"liarslie/internal/network"
	"liarslie/internal/proto"
	"liarslie/internal/roster"
	"liarslie/internal/round"
)

var (
	ErrAlreadyStarted  = errors.New("game already started")
	ErrNotStarted      = errors.New("game not started")
	ErrUnknownAgent    = errors.New("unknown agent id")
	ErrNotEnoughHonest = errors.New("not enough honest agents for the requested subset")
	ErrNotEnoughLiars  = errors.New("not enough liars for the requested subset")
)

// Transport is everything the game needs from the network layer: the
// aggregator's request/response channel plus one-way sends for kills.
type Transport interface {
	round.Transport
	Send(ctx context.Context, addr string, payload []byte) error
}

type Options struct {
	// RosterPath overrides the agents.config location.
	RosterPath string
	// Round tunes the aggregator.
	Round round.Config
	// Metrics receives round counters; a fresh set when nil.
	Metrics *metrics.Metrics
	// Transport overrides the QUIC client (tests).
	Transport Transport
	// Rand drives liar draws and subset shuffles (tests).
	Rand *rand.Rand
}

type agentStatus int

const (
	statusReady agentStatus = iota
	statusKilled
)

// handle is the launcher's view of one spawned agent. Honesty lives
// here and in the agent process only; it is never published.
type handle struct {
	ag     *agent.Agent
	addr   string
	liar   bool
	status agentStatus
}

// Game owns a population of in-process agents and the client identity
// used to drive rounds against them.
type Game struct {
	mu           sync.Mutex
	ready        bool
	value        uint64
	maxValue     uint64
	tamperChance float64
	nextID       uint64
	agents       []*handle

	keys       identity.KeyPair
	rosterPath string
	tr         Transport
	roundCfg   round.Config
	m          *metrics.Metrics
	rng        *rand.Rand
	log        *logrus.Entry
}

func New(opts Options) (*Game, error) {
	keys, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	path := opts.RosterPath
	if path == "" {
		path = roster.DefaultPath
	}
	tr := opts.Transport
	if tr == nil {
		tr = network.NewClient()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Game{
		nextID:     1,
		keys:       keys,
		rosterPath: path,
		tr:         tr,
		roundCfg:   opts.Round,
		m:          m,
		rng:        rng,
		log:        logrus.WithField("pkg", "game"),
	}, nil
}

func (g *Game) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *Game) Metrics() *metrics.Metrics {
	return g.m
}

// Distribution splits numAgents into honest and liar counts, with the
// liar count truncated: 6 agents at ratio 0.6 yield 3 liars.
func Distribution(numAgents int, liarRatio float64) (honest, liars int) {
	liars = int(float64(numAgents) * liarRatio)
	honest = numAgents - liars
	return honest, liars
}

// Start launches the agent population and publishes the roster file.
func (g *Game) Start(value, maxValue uint64, numAgents int, liarRatio, tamperChance float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return ErrAlreadyStarted
	}
	if err := validateParams(value, maxValue, numAgents, liarRatio); err != nil {
		return err
	}
	if tamperChance < 0 || tamperChance > 1 {
		return fmt.Errorf("tamper chance %v out of range [0,1]", tamperChance)
	}

	g.value = value
	g.maxValue = maxValue
	g.tamperChance = tamperChance
	honest, liars := Distribution(numAgents, liarRatio)
	spawned, err := g.spawnLocked(honest, liars)
	if err != nil {
		return err
	}
	g.agents = append(g.agents, spawned...)

	if err := g.writeRosterLocked(); err != nil {
		// New agents are unreachable without a roster; tear them down.
		g.killAllLocked(context.Background())
		g.resetLocked()
		return fmt.Errorf("write roster: %w", err)
	}
	g.ready = true
	g.log.WithFields(logrus.Fields{
		"agents": len(g.agents),
		"liars":  liars,
	}).Info("game started")
	return nil
}

// Extend adds agents against the original value settings and rewrites
// the roster. If the roster cannot be rewritten the new agents would be
// unreachable, so they are killed and the population rolled back.
func (g *Game) Extend(numAgents int, liarRatio float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return ErrNotStarted
	}
	if err := validateParams(g.value, g.maxValue, numAgents, liarRatio); err != nil {
		return err
	}
	honest, liars := Distribution(numAgents, liarRatio)
	spawned, err := g.spawnLocked(honest, liars)
	if err != nil {
		return err
	}
	g.agents = append(g.agents, spawned...)
	if err := g.writeRosterLocked(); err != nil {
		for _, h := range spawned {
			g.killLocked(context.Background(), h)
		}
		g.agents = g.agents[:len(g.agents)-len(spawned)]
		return fmt.Errorf("write roster: %w", err)
	}
	g.log.WithField("added", len(spawned)).Info("game extended")
	return nil
}

// Play runs a standard round: every roster agent queried directly.
func (g *Game) Play(ctx context.Context) (*round.Result, error) {
	g.mu.Lock()
	if !g.ready {
		g.mu.Unlock()
		return nil, ErrNotStarted
	}
	path, cfg, tr, m := g.rosterPath, g.roundCfg, g.tr, g.m
	g.mu.Unlock()

	dir, err := roster.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	return round.NewAggregator(dir, tr, cfg, m).PlayStandard(ctx)
}

// PlayExpert runs a restricted round. The directly reachable subset is
// drawn at random from the live population with the requested honest
// and liar composition; the returned ids are the subset, for display.
func (g *Game) PlayExpert(ctx context.Context, numAgents int, liarRatio float64) ([]uint64, *round.Result, error) {
	g.mu.Lock()
	if !g.ready {
		g.mu.Unlock()
		return nil, nil, ErrNotStarted
	}
	subset, err := g.expertSubsetLocked(numAgents, liarRatio)
	if err != nil {
		g.mu.Unlock()
		return nil, nil, err
	}
	path, cfg, tr, m := g.rosterPath, g.roundCfg, g.tr, g.m
	g.mu.Unlock()

	dir, err := roster.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load roster: %w", err)
	}
	// Reachability topology is a per-round input; the launcher leaves
	// it open, so relays fan out to the whole reachable subset.
	result, err := round.NewAggregator(dir, tr, cfg, m).PlayRestricted(ctx, subset, round.Topology{})
	return subset, result, err
}

// Kill terminates one agent. The roster drops its record; in-flight
// relay topologies may still name the id, which rounds tolerate.
func (g *Game) Kill(ctx context.Context, id uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return ErrNotStarted
	}
	for _, h := range g.agents {
		if h.ag.ID() == id {
			if h.status == statusKilled {
				return fmt.Errorf("agent %d: already killed", id)
			}
			g.killLocked(ctx, h)
			if err := g.writeRosterLocked(); err != nil {
				return fmt.Errorf("rewrite roster: %w", err)
			}
			g.log.WithField("agent_id", id).Info("agent killed")
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrUnknownAgent, id)
}

// Stop kills every live agent and removes the roster file.
func (g *Game) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return ErrNotStarted
	}
	g.killAllLocked(ctx)
	err := roster.Remove(g.rosterPath)
	g.resetLocked()
	if err != nil {
		return fmt.Errorf("remove roster: %w", err)
	}
	g.log.Info("game stopped")
	return nil
}

func validateParams(value, maxValue uint64, numAgents int, liarRatio float64) error {
	if maxValue < 2 {
		return errors.New("max value must be at least 2")
	}
	if value == 0 || value > maxValue {
		return fmt.Errorf("value %d out of range [1,%d]", value, maxValue)
	}
	if numAgents <= 0 {
		return errors.New("number of agents must be positive")
	}
	if liarRatio < 0 || liarRatio >= 1 {
		return errors.New("liar ratio must be in [0,1)")
	}
	return nil
}

// spawnLocked creates and starts honest+liars new agents. Agents that
// fail to bind are logged and dropped, matching a launcher that keeps
// going with whatever came up.
func (g *Game) spawnLocked(honest, liars int) ([]*handle, error) {
	var spawned []*handle
	for i := 0; i < honest+liars; i++ {
		id := g.nextID
		g.nextID++
		isLiar := i >= honest
		var (
			a   *agent.Agent
			err error
		)
		if isLiar {
			a, err = agent.NewLiar(id, g.value, g.maxValue, g.keys.Pub, agent.Options{
				TamperChance: g.tamperChance,
				Rand:         rand.New(rand.NewSource(g.rng.Int63())),
			})
		} else {
			a, err = agent.NewHonest(id, g.value, g.keys.Pub, agent.Options{})
		}
		if err != nil {
			return nil, err
		}
		addr, err := a.Start("127.0.0.1:0")
		if err != nil {
			g.log.WithError(err).WithField("agent_id", id).Warn("agent failed to bind, dropped")
			continue
		}
		spawned = append(spawned, &handle{ag: a, addr: addr, liar: isLiar})
	}
	if len(spawned) == 0 {
		return nil, errors.New("no agents could be spawned")
	}
	return spawned, nil
}

// writeRosterLocked publishes the identity records of all live agents.
func (g *Game) writeRosterLocked() error {
	var records []roster.Record
	for _, h := range g.agents {
		if h.status == statusReady {
			records = append(records, h.ag.Record(h.addr))
		}
	}
	return roster.Save(g.rosterPath, records)
}

func (g *Game) killLocked(ctx context.Context, h *handle) {
	msg, err := proto.EncodeKillMsg(proto.KillMsg{
		AgentID: h.ag.ID(),
		Sig:     hex.EncodeToString(identity.SignKill(g.keys.Priv, h.ag.ID())),
	})
	if err == nil {
		if err := g.tr.Send(ctx, h.addr, msg); err != nil {
			g.log.WithError(err).WithField("agent_id", h.ag.ID()).Debug("kill send failed")
		}
	}
	// The in-process handle is stopped regardless; a remote agent that
	// missed the message only costs later rounds a timeout.
	h.ag.Stop()
	h.status = statusKilled
}

func (g *Game) killAllLocked(ctx context.Context) {
	for _, h := range g.agents {
		if h.status == statusReady {
			g.killLocked(ctx, h)
		}
	}
}

func (g *Game) resetLocked() {
	g.ready = false
	g.value = 0
	g.maxValue = 0
	g.tamperChance = 0
	g.agents = nil
}

// expertSubsetLocked draws a fresh random subset with the requested
// composition, so repeated rounds with the same parameters do not pin
// the same agents.
func (g *Game) expertSubsetLocked(numAgents int, liarRatio float64) ([]uint64, error) {
	if numAgents <= 0 {
		return nil, errors.New("number of agents must be positive")
	}
	if liarRatio < 0 || liarRatio > 1 {
		return nil, errors.New("liar ratio must be in [0,1]")
	}
	reqHonest, reqLiars := Distribution(numAgents, liarRatio)

	var honestPool, liarPool []*handle
	for _, h := range g.agents {
		if h.status != statusReady {
			continue
		}
		if h.liar {
			liarPool = append(liarPool, h)
		} else {
			honestPool = append(honestPool, h)
		}
	}
	if reqHonest > len(honestPool) {
		return nil, ErrNotEnoughHonest
	}
	if reqLiars > len(liarPool) {
		return nil, ErrNotEnoughLiars
	}
	g.rng.Shuffle(len(honestPool), func(i, j int) { honestPool[i], honestPool[j] = honestPool[j], honestPool[i] })
	g.rng.Shuffle(len(liarPool), func(i, j int) { liarPool[i], liarPool[j] = liarPool[j], liarPool[i] })

	subset := make([]uint64, 0, numAgents)
	for _, h := range honestPool[:reqHonest] {
		subset = append(subset, h.ag.ID())
	}
	for _, h := range liarPool[:reqLiars] {
		subset = append(subset, h.ag.ID())
	}
	return subset, nil
}

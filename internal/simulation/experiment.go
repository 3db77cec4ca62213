// Package simulation drives update rounds from the origin through the mesh
// for each configured topology.
package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"satupdate/internal/auth"
	"satupdate/internal/config"
	"satupdate/internal/dataType"
	"satupdate/internal/dissemination"
	"satupdate/internal/hashchain"
	"satupdate/internal/results"
	"satupdate/internal/topology"
	"satupdate/internal/utils"
)

const seedSize = 32

// Experiment is one topology provisioned for a series of update rounds.
type Experiment struct {
	Label string

	cfg    *config.MainConfig
	topo   *topology.Topology
	origin *auth.Origin
	nodes  []*dataType.Node
	engine *dissemination.Engine
	entry  int
	logger *zap.Logger
	now    func() time.Time
}

// NewExperiment builds the topology, the hash chain and the node fleet for
// spec. Every node starts with the chain tail and the shared cluster secret.
// With a configured seed the whole experiment is reproducible.
func NewExperiment(cfg *config.MainConfig, spec config.TopologySpec, logger *zap.Logger) (*Experiment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	label := spec.Label()
	rng := rand.New(rand.NewSource(utils.DeriveSeed(cfg.Seed, label)))

	topo, err := spec.Build(rng)
	if err != nil {
		return nil, fmt.Errorf("build topology %s: %w", label, err)
	}
	if cfg.EntryNode >= topo.Len() {
		return nil, fmt.Errorf("entry node %d outside %s", cfg.EntryNode, label)
	}

	chainSeed, clusterSecret, err := secrets(cfg.Seed, label)
	if err != nil {
		return nil, err
	}
	chain, err := hashchain.Build(chainSeed, cfg.ChainLengthFor(topo.Len()))
	if err != nil {
		return nil, fmt.Errorf("build chain for %s: %w", label, err)
	}
	origin := auth.NewOrigin(chain)
	if cfg.Rounds > origin.MaxRounds() {
		return nil, fmt.Errorf("%s: chain of %d serves %d rounds, %d configured: %w",
			label, chain.Len(), origin.MaxRounds(), cfg.Rounds, auth.ErrChainExhausted)
	}

	nodes := make([]*dataType.Node, topo.Len())
	for i := range nodes {
		nodes[i] = dataType.NewNode(i, chain.Tail(), clusterSecret, cfg.FreshnessWindow)
	}

	engCfg, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	engine, err := dissemination.NewEngine(engCfg, rng, logger)
	if err != nil {
		return nil, err
	}

	return &Experiment{
		Label:  label,
		cfg:    cfg,
		topo:   topo,
		origin: origin,
		nodes:  nodes,
		engine: engine,
		entry:  cfg.EntryNode,
		logger: logger,
		now:    time.Now,
	}, nil
}

// secrets returns the chain seed and the cluster secret. A configured seed
// derives both; otherwise they are drawn from crypto/rand.
func secrets(seed, label string) ([]byte, []byte, error) {
	if seed != "" {
		chainSeed := hashchain.Hash([]byte(seed + "/" + label + "/chain"))
		cluster := hashchain.Hash([]byte(seed + "/" + label + "/cluster"))
		return chainSeed[:], cluster[:], nil
	}
	chainSeed, err := hashchain.NewSeed(seedSize)
	if err != nil {
		return nil, nil, err
	}
	cluster, err := hashchain.NewSeed(seedSize)
	if err != nil {
		return nil, nil, err
	}
	return chainSeed, cluster, nil
}

// Run plays every configured round. A round the entry node refuses is
// recorded with zero receivers and the run continues; cancellation is
// honoured between rounds.
func (e *Experiment) Run(ctx context.Context) (*results.ExperimentData, error) {
	started := e.now()
	engCfg := e.engine.Config()
	exp := results.NewExperimentData(e.topo, results.Meta{
		RunID:           uuid.NewString(),
		Started:         started,
		Rounds:          e.cfg.Rounds,
		LatencyModel:    engCfg.Latency.String(),
		EntryNode:       e.entry,
		RetryLimit:      engCfg.MaxRetries,
		PDrop:           engCfg.PDrop,
		PMalicious:      engCfg.PMalicious,
		FreshnessWindow: e.cfg.FreshnessWindow,
	})
	e.logger.Info("experiment start",
		zap.String("run_id", exp.RunID),
		zap.String("topology", e.Label),
		zap.Int("nodes", e.topo.Len()),
		zap.Int("edges", e.topo.EdgeCount()),
		zap.Int("rounds", e.cfg.Rounds),
	)

	clock := started
	for round := 1; round <= e.cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, err := e.playRound(round, clock)
		if err != nil {
			return nil, fmt.Errorf("%s round %d: %w", e.Label, round, err)
		}
		if report == nil {
			exp.MarkOriginRejected(round)
			exp.AddRound(nil, 0, 0)
			continue
		}
		exp.AddRound(report.Attempts, report.Received, report.Duration)
		if report.Truncated {
			exp.MarkTruncated(round)
		}
		clock = clock.Add(report.End)
	}

	exp.AddNodeHistory(e.nodes)
	exp.Finalize(e.now())
	e.logger.Info("experiment complete",
		zap.String("run_id", exp.RunID),
		zap.String("topology", e.Label),
		zap.Float64("unreachable_percent", exp.UnreachablePercent),
		zap.Float64("avg_propagation_time", exp.AvgPropagationTime),
		zap.Int("malicious_tokens", exp.MaliciousTokens),
	)
	return exp, nil
}

// playRound issues round's update to the entry node and floods it. It
// returns a nil report when the entry node rejects the origin token.
func (e *Experiment) playRound(round int, start time.Time) (*dissemination.RoundReport, error) {
	payload := dataType.NewUpdatePayload(round)
	msg := payload.Bytes()

	token, err := e.origin.IssueRound(round, msg)
	if err != nil {
		return nil, err
	}

	entry := e.nodes[e.entry]
	if err := entry.Credentials.Receive(round, msg, token); err != nil {
		if !auth.IsRecoverable(err) {
			return nil, err
		}
		for _, n := range e.nodes {
			n.BeginRound(round, payload.Version)
		}
		e.logger.Warn("origin update rejected",
			zap.Int("round", round),
			zap.Int("entry", e.entry),
			zap.Error(err),
		)
		return nil, nil
	}

	return e.engine.Flood(e.topo, e.nodes, e.entry, payload, round, start)
}

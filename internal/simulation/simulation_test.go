package simulation

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"satupdate/internal/auth"
	"satupdate/internal/config"
	"satupdate/internal/hashchain"
	"satupdate/internal/results"
	"satupdate/internal/utils"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ringConfig() *config.MainConfig {
	cfg := config.Default()
	cfg.Seed = "sim-test"
	cfg.Rounds = 2
	cfg.MaxRetries = 1
	cfg.Latency = "const:10ms"
	cfg.Workers = 2
	cfg.LogPath = ""
	cfg.Topologies = []config.TopologySpec{{Type: config.TopologyRing, Nodes: 4}}
	return &cfg
}

func newExperiment(t *testing.T, cfg *config.MainConfig) *Experiment {
	t.Helper()
	e, err := NewExperiment(cfg, cfg.Topologies[0], zaptest.NewLogger(t))
	require.NoError(t, err)
	e.now = func() time.Time { return fixedNow }
	return e
}

func hopsOf(t *testing.T, exp *results.ExperimentData, node string, round int) int {
	t.Helper()
	for _, h := range exp.Nodes[node].UpdateHistory {
		if h.Round == round {
			require.NotNil(t, h.Hops, "node %s round %d not reached", node, round)
			return *h.Hops
		}
	}
	t.Fatalf("node %s has no round %d", node, round)
	return 0
}

// receivedBy lists, per round, the node keys that were reached.
func receivedBy(exp *results.ExperimentData) map[int][]string {
	out := make(map[int][]string)
	for key, nd := range exp.Nodes {
		for _, h := range nd.UpdateHistory {
			if h.Received {
				out[h.Round] = append(out[h.Round], key)
			}
		}
	}
	for r := range out {
		sort.Strings(out[r])
	}
	return out
}

func TestExperiment_RingAllReceive(t *testing.T) {
	cfg := ringConfig()
	e := newExperiment(t, cfg)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{4, 4}, exp.SuccessfulNodesPerRound)
	assert.Empty(t, exp.OriginRejectedRounds)
	for round := 1; round <= 2; round++ {
		assert.Equal(t, 0, hopsOf(t, exp, "0", round))
		assert.Equal(t, 1, hopsOf(t, exp, "1", round))
		assert.Equal(t, 2, hopsOf(t, exp, "2", round))
		assert.Equal(t, 1, hopsOf(t, exp, "3", round))
	}
	assert.Len(t, exp.Events, 6)
	assert.InDelta(t, 0.02, exp.MaxPropagationTime, 1e-9)
	assert.Equal(t, "const_10ms", exp.LatencyModel)
}

func TestExperiment_EntryTracksChain(t *testing.T) {
	cfg := ringConfig()
	e := newExperiment(t, cfg)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	chainSeed, _, err := secrets(cfg.Seed, e.Label)
	require.NoError(t, err)
	chain, err := hashchain.Build(chainSeed, cfg.ChainLengthFor(4))
	require.NoError(t, err)

	want, err := chain.At(chain.Len() - 1 - cfg.Rounds)
	require.NoError(t, err)
	entry := e.nodes[0].Credentials
	assert.Equal(t, want, entry.Credential())
	assert.Equal(t, cfg.Rounds, entry.Round())
}

func TestExperiment_AlwaysDrop(t *testing.T) {
	cfg := ringConfig()
	cfg.PDrop = 1
	cfg.MaxRetries = 3
	e := newExperiment(t, cfg)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 1}, exp.SuccessfulNodesPerRound)
	assert.Equal(t, map[int][]string{1: {"0"}, 2: {"0"}}, receivedBy(exp))
	assert.InDelta(t, 1.0, exp.PacketDropRate, 1e-9)
	assert.InDelta(t, 75.0, exp.UnreachablePercent, 1e-9)
	assert.Equal(t, 2, exp.MaxRetries)
}

func TestExperiment_OriginRejected(t *testing.T) {
	cfg := ringConfig()
	e := newExperiment(t, cfg)
	e.nodes[0].Credentials.Adopt(hashchain.Hash([]byte("not the chain tail")))

	exp, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, exp.OriginRejectedRounds)
	assert.Equal(t, []int{0, 0}, exp.SuccessfulNodesPerRound)
	assert.Empty(t, exp.Events)
	assert.InDelta(t, 100.0, exp.UnreachablePercent, 1e-9)
	for _, nd := range exp.Nodes {
		require.Len(t, nd.UpdateHistory, 2)
		assert.False(t, nd.UpdateHistory[0].Received)
	}
}

func TestExperiment_Deterministic(t *testing.T) {
	cfg := ringConfig()
	cfg.Rounds = 3
	cfg.MaxRetries = 3
	cfg.PDrop = 0.3
	cfg.PMalicious = 0.2
	cfg.Latency = "normal:15ms:3ms"
	cfg.Topologies = []config.TopologySpec{{Type: config.TopologyRandom, Nodes: 12, EdgeProbability: 0.3}}

	a, err := newExperiment(t, cfg).Run(context.Background())
	require.NoError(t, err)
	b, err := newExperiment(t, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, a.Edges, b.Edges)
	assert.Equal(t, a.Events, b.Events)
	assert.Equal(t, a.SuccessfulNodesPerRound, b.SuccessfulNodesPerRound)
}

func TestExperiment_RoundsDoNotOverlap(t *testing.T) {
	cfg := ringConfig()
	cfg.Rounds = 3
	cfg.MaxRetries = 3
	cfg.PDrop = 0.6
	cfg.Latency = "const:1s"
	cfg.Topologies = []config.TopologySpec{{Type: config.TopologyRing, Nodes: 6}}

	exp, err := newExperiment(t, cfg).Run(context.Background())
	require.NoError(t, err)

	first := map[int]float64{}
	last := map[int]float64{}
	for _, ev := range exp.Events {
		if v, ok := first[ev.Round]; !ok || ev.Timestamp < v {
			first[ev.Round] = ev.Timestamp
		}
		if ev.Timestamp > last[ev.Round] {
			last[ev.Round] = ev.Timestamp
		}
	}
	for round := 1; round < cfg.Rounds; round++ {
		next, ok := first[round+1]
		if !ok {
			continue
		}
		assert.GreaterOrEqual(t, next, last[round], "round %d starts before round %d ends", round+1, round)
	}
}

func TestExperiment_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newExperiment(t, ringConfig()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewExperiment_EntryOutOfRange(t *testing.T) {
	cfg := ringConfig()
	cfg.EntryNode = 7
	_, err := NewExperiment(cfg, cfg.Topologies[0], nil)
	assert.Error(t, err)
}

func TestNewExperiment_ChainTooShort(t *testing.T) {
	cfg := ringConfig()
	cfg.Rounds = 3
	cfg.ChainLength = 3
	_, err := NewExperiment(cfg, cfg.Topologies[0], nil)
	assert.ErrorIs(t, err, auth.ErrChainExhausted)
}

func TestNewExperiment_UnseededSecretsDiffer(t *testing.T) {
	a1, c1, err := secrets("", "ring_4")
	require.NoError(t, err)
	a2, c2, err := secrets("", "ring_4")
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
	assert.NotEqual(t, c1, c2)
	assert.Len(t, a1, seedSize)
}

type failingSink struct{ closed bool }

func (f *failingSink) Write(context.Context, *results.ExperimentData) error {
	return errors.New("disk full")
}

func (f *failingSink) Close() error {
	f.closed = true
	return nil
}

func TestRunner_Run(t *testing.T) {
	cfg := ringConfig()
	cfg.Topologies = []config.TopologySpec{
		{Type: config.TopologyStructured, Planes: 3, SatsPerPlane: 4},
		{Type: config.TopologyRing, Nodes: 4},
		{Type: config.TopologyRing, Nodes: 6},
	}
	mem := results.NewMemorySink()
	logs := utils.NewManager(t.TempDir(), false)
	defer logs.Close()

	r := NewRunner(cfg, logs, zaptest.NewLogger(t), mem)
	exps, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	require.Len(t, exps, 3)
	assert.Equal(t, "structured_3x4", exps[0].TopologyType)
	assert.Equal(t, "ring_4", exps[1].TopologyType)
	assert.Equal(t, "ring_6", exps[2].TopologyType)
	assert.Len(t, mem.Experiments(), 3)
	for _, exp := range exps {
		assert.InDelta(t, 0.0, exp.UnreachablePercent, 1e-9, exp.TopologyType)
	}
}

func TestRunner_SinkFailure(t *testing.T) {
	cfg := ringConfig()
	cfg.Topologies = append(cfg.Topologies, config.TopologySpec{Type: config.TopologyRing, Nodes: 5})
	mem := results.NewMemorySink()
	bad := &failingSink{}

	r := NewRunner(cfg, nil, nil, bad, mem)
	exps, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, exps)
	assert.Len(t, mem.Experiments(), 2, "other sinks still receive the run")

	require.NoError(t, r.Close())
	assert.True(t, bad.closed)
}

func TestRunner_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(ringConfig(), nil, nil)
	exps, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, exps)
}

package results

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satupdate/internal/dataType"
	"satupdate/internal/hashchain"
	"satupdate/internal/topology"
)

var t0 = time.Unix(1700000000, 0)

// sampleExperiment is one round over ring_4 from node 0: 1 and 3 accept on
// the first try, 2 needs a retry after a drop.
func sampleExperiment(t *testing.T) *ExperimentData {
	t.Helper()
	topo, err := topology.Ring(4)
	require.NoError(t, err)

	exp := NewExperimentData(topo, Meta{
		RunID:           "run-1",
		Started:         t0,
		Rounds:          1,
		LatencyModel:    "constant_10ms",
		RetryLimit:      3,
		FreshnessWindow: 5 * time.Second,
	})

	attempt := func(sender, receiver, retry int, out dataType.Outcome, ms int) dataType.DeliveryAttempt {
		return dataType.DeliveryAttempt{
			Timestamp: t0.Add(time.Duration(ms) * time.Millisecond),
			Round:     1,
			Sender:    sender,
			Receiver:  receiver,
			Latency:   10 * time.Millisecond,
			Outcome:   out,
			Retry:     retry,
			Version:   "1.4",
		}
	}
	attempts := []dataType.DeliveryAttempt{
		attempt(0, 1, 0, dataType.OutcomeAccepted, 10),
		attempt(0, 3, 0, dataType.OutcomeAccepted, 10),
		attempt(1, 2, 0, dataType.OutcomeDropped, 20),
		attempt(1, 2, 1, dataType.OutcomeAccepted, 30),
	}

	nodes := make([]*dataType.Node, 4)
	for i := range nodes {
		nodes[i] = dataType.NewNode(i, hashchain.Hash([]byte("tail")), []byte("secret"), 0)
		nodes[i].BeginRound(1, "1.4")
	}
	nodes[0].Accept(1, 0, 0)
	nodes[1].Accept(1, 10*time.Millisecond, 1)
	nodes[3].Accept(1, 10*time.Millisecond, 1)
	nodes[2].Accept(1, 30*time.Millisecond, 2)

	exp.AddRound(attempts, 4, 30*time.Millisecond)
	exp.AddNodeHistory(nodes)
	exp.Finalize(t0.Add(time.Second))
	return exp
}

func TestExperimentData_Finalize(t *testing.T) {
	exp := sampleExperiment(t)

	assert.Equal(t, "ring_4", exp.TopologyType)
	assert.Equal(t, 4, exp.NodeCount)
	assert.Len(t, exp.Edges, 4)
	assert.Equal(t, []int{1, 3}, exp.Nodes["0"].Neighbors)
	assert.Equal(t, []int{4}, exp.SuccessfulNodesPerRound)

	assert.InDelta(t, 0.03, exp.AvgPropagationTime, 1e-9)
	assert.InDelta(t, 0.03, exp.MaxPropagationTime, 1e-9)
	assert.InDelta(t, 0.0, exp.UnreachablePercent, 1e-9)
	assert.InDelta(t, 0.25, exp.PacketDropRate, 1e-9)
	assert.InDelta(t, 0.25, exp.AvgRetriesPerEvent, 1e-9)
	assert.InDelta(t, 0.01, exp.AvgLinkLatency, 1e-9)
	assert.Equal(t, 1, exp.MaxRetries)
	assert.Equal(t, 1, exp.RedundantTransmissions, "node 2 saw two attempts")
	assert.Equal(t, 0, exp.MaliciousTokens)
	assert.Equal(t, 1, exp.FailedTokenAttempts, "the drop counts as a failed attempt")
	assert.Equal(t, 2, exp.GraphDiameter)
	assert.Equal(t, 0, exp.NumIsolated)

	hist := exp.Nodes["2"].UpdateHistory
	require.Len(t, hist, 1)
	require.NotNil(t, hist[0].Hops)
	assert.Equal(t, 2, *hist[0].Hops)
	assert.InDelta(t, 0.03, *hist[0].TimeToReceive, 1e-9)

	assert.Equal(t, map[int][]string{1: {"0", "1", "2", "3"}}, receivedBy(exp))
}

func TestExperimentData_Unreached(t *testing.T) {
	topo, err := topology.Ring(3)
	require.NoError(t, err)
	exp := NewExperimentData(topo, Meta{RunID: "r", Started: t0, Rounds: 2})

	nodes := make([]*dataType.Node, 3)
	for i := range nodes {
		nodes[i] = dataType.NewNode(i, hashchain.Hash([]byte("x")), []byte("k"), 0)
		nodes[i].BeginRound(1, "1.4")
		nodes[i].BeginRound(2, "1.5")
	}
	nodes[0].Accept(1, 0, 0)
	exp.AddRound(nil, 1, 0)
	exp.MarkOriginRejected(2)
	exp.AddRound(nil, 0, 0)
	exp.AddNodeHistory(nodes)
	exp.Finalize(t0)

	assert.InDelta(t, 100*(1-(1.0/3)/2), exp.UnreachablePercent, 1e-9)
	assert.Equal(t, []int{2}, exp.OriginRejectedRounds)
	h := exp.Nodes["1"].UpdateHistory[0]
	assert.False(t, h.Received)
	assert.Nil(t, h.TimeToReceive)
	assert.Nil(t, h.Hops)
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	exp := sampleExperiment(t)
	require.NoError(t, sink.Write(context.Background(), exp))
	require.NoError(t, sink.Close())
	assert.Equal(t, []*ExperimentData{exp}, sink.Experiments())
}

func TestJSONWriter(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONWriter(dir)
	w.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	exp := sampleExperiment(t)
	require.NoError(t, w.Write(context.Background(), exp))

	path := filepath.Join(dir, "exp_20240102_030405_ring_4_4nodes_run-1", "experiment_data.json")
	got := readExperiment(t, path)
	assert.Equal(t, exp.RunID, got.RunID)
	assert.Equal(t, exp.Events, got.Events)
	assert.Equal(t, exp.Nodes, got.Nodes)
	assert.Equal(t, exp.RedundantTransmissions, got.RedundantTransmissions)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"possibly_malicious": false`)
	assert.Contains(t, string(raw), `"outcome": "dropped"`)
}

func TestJSONWriter_SameSecondRunsKeptApart(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONWriter(dir)
	w.now = func() time.Time { return time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC) }

	first := sampleExperiment(t)
	first.RunID = "3f2a9c1e-0000-4000-8000-000000000001"
	second := sampleExperiment(t)
	second.RunID = "7b41d0aa-0000-4000-8000-000000000002"
	require.NoError(t, w.Write(context.Background(), first))
	require.NoError(t, w.Write(context.Background(), second))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ids := map[string]bool{}
	for _, e := range entries {
		got := readExperiment(t, filepath.Join(dir, e.Name(), "experiment_data.json"))
		ids[got.RunID] = true
	}
	assert.Equal(t, map[string]bool{first.RunID: true, second.RunID: true}, ids)

	assert.Error(t, w.Write(context.Background(), first), "existing file is not replaced")
}

func TestSQLiteSink(t *testing.T) {
	sink, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	exp := sampleExperiment(t)
	require.NoError(t, sink.Write(ctx, exp))

	assert.Equal(t, map[string]int{"accepted": 3, "dropped": 1}, eventCounts(t, sink, "run-1"))
	assert.Equal(t, map[int]int{1: 4}, receivedPerRound(t, sink, "run-1"))

	assert.Error(t, sink.Write(ctx, exp), "duplicate run id")
	counts := eventCounts(t, sink, "run-1")
	assert.Equal(t, 4, counts["accepted"]+counts["dropped"], "failed write rolled back")
}

func TestSummarize(t *testing.T) {
	small := sampleExperiment(t)

	topo, err := topology.Structured(2, 3)
	require.NoError(t, err)
	big := NewExperimentData(topo, Meta{RunID: "run-2", Started: t0, Rounds: 1})
	big.AddRound(nil, 6, 0)
	big.Finalize(t0)

	rows := Summarize([]*ExperimentData{big, small})
	require.Len(t, rows, 2)
	assert.Equal(t, 4, rows[0].Nodes)
	assert.Equal(t, "ring_4", rows[0].Config)
	assert.Equal(t, 2, rows[0].MaxHops)
	assert.Equal(t, 100.0, rows[0].SuccessRate)
	assert.Equal(t, 6, rows[1].Nodes)
	assert.Equal(t, "2x3", rows[1].Config)

	path := filepath.Join(t.TempDir(), "summary.csv")
	require.NoError(t, WriteSummaryCSV(path, rows))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, summaryHeader, records[0])
	assert.Equal(t, "4", records[1][0])
	assert.Equal(t, "0.03", records[1][2])
}

func readExperiment(t *testing.T, path string) *ExperimentData {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var exp ExperimentData
	require.NoError(t, json.Unmarshal(data, &exp))
	return &exp
}

// receivedBy lists, per round, the node keys that were reached.
func receivedBy(exp *ExperimentData) map[int][]string {
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

func eventCounts(t *testing.T, s *SQLiteSink, runID string) map[string]int {
	t.Helper()
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM events WHERE run_id = ? GROUP BY outcome`, runID)
	require.NoError(t, err)
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		require.NoError(t, rows.Scan(&outcome, &n))
		out[outcome] = n
	}
	require.NoError(t, rows.Err())
	return out
}

func receivedPerRound(t *testing.T, s *SQLiteSink, runID string) map[int]int {
	t.Helper()
	rows, err := s.db.Query(`SELECT round, SUM(received) FROM receptions WHERE run_id = ? GROUP BY round`, runID)
	require.NoError(t, err)
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var round, n int
		require.NoError(t, rows.Scan(&round, &n))
		out[round] = n
	}
	require.NoError(t, rows.Err())
	return out
}

// Package results turns engine output into experiment records and hands
// them to sinks. It implements no protocol logic.
package results

import (
	"strconv"
	"time"

	"github.com/montanaflynn/stats"

	"satupdate/internal/dataType"
	"satupdate/internal/topology"
)

// Event is the persisted form of a dataType.DeliveryAttempt.
type Event struct {
	Timestamp         float64 `json:"timestamp"`
	Round             int     `json:"round"`
	Sender            int     `json:"sender"`
	Receiver          int     `json:"receiver"`
	Latency           float64 `json:"latency"`
	Outcome           string  `json:"outcome"`
	TokenValid        bool    `json:"token_valid"`
	Retry             int     `json:"retry"`
	PossiblyMalicious bool    `json:"possibly_malicious"`
	Version           string  `json:"version"`
	Reason            string  `json:"reason,omitempty"`
}

// HistoryEntry is one round of a node's reception history. TimeToReceive
// and Hops are nil when the node was not reached.
type HistoryEntry struct {
	Round         int      `json:"round"`
	Version       string   `json:"version"`
	Received      bool     `json:"received"`
	TimeToReceive *float64 `json:"time_to_receive"`
	Hops          *int     `json:"hops"`
}

type NodeData struct {
	Neighbors     []int          `json:"neighbors"`
	UpdateHistory []HistoryEntry `json:"update_history"`
}

// ExperimentData is the full record of one experiment over one topology.
type ExperimentData struct {
	RunID           string  `json:"run_id"`
	Timestamp       string  `json:"timestamp"`
	NodeCount       int     `json:"node_count"`
	UpdateRounds    int     `json:"update_rounds"`
	LatencyModel    string  `json:"latency_model"`
	TopologyType    string  `json:"topology_type"`
	EntryNode       int     `json:"entry_node"`
	RetryLimit      int     `json:"retry_limit"`
	PDrop           float64 `json:"p_drop"`
	PMalicious      float64 `json:"p_malicious"`
	FreshnessWindow float64 `json:"freshness_window"`

	Edges [][2]int            `json:"edges"`
	Nodes map[string]NodeData `json:"nodes"`

	Events                  []Event   `json:"events"`
	SuccessfulNodesPerRound []int     `json:"successful_nodes_per_round"`
	RoundDurations          []float64 `json:"round_durations"`
	OriginRejectedRounds    []int     `json:"origin_rejected_rounds"`
	TruncatedRounds         []int     `json:"truncated_rounds"`

	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`

	AvgPropagationTime     float64 `json:"avg_propagation_time"`
	MaxPropagationTime     float64 `json:"max_propagation_time"`
	P95TimeToReceive       float64 `json:"p95_time_to_receive"`
	AvgLinkLatency         float64 `json:"avg_link_latency"`
	UnreachablePercent     float64 `json:"unreachable_percent"`
	AvgRetriesPerEvent     float64 `json:"avg_retries_per_event"`
	MaxRetries             int     `json:"max_retries"`
	PacketDropRate         float64 `json:"packet_drop_rate"`
	RedundantTransmissions int     `json:"redundant_transmissions"`
	MaliciousTokens        int     `json:"malicious_tokens"`
	FailedTokenAttempts    int     `json:"failed_token_attempts"`
	ExpiredTokens          int     `json:"expired_tokens"`
	AvgNodeDegree          float64 `json:"avg_node_degree"`
	GraphDiameter          int     `json:"graph_diameter"`
	NumIsolated            int     `json:"num_isolated"`

	redundancy *dataType.RedundancyCounter
}

// Meta is what the caller knows about an experiment before it runs.
type Meta struct {
	RunID           string
	Started         time.Time
	Rounds          int
	LatencyModel    string
	EntryNode       int
	RetryLimit      int
	PDrop           float64
	PMalicious      float64
	FreshnessWindow time.Duration
}

// NewExperimentData starts a record for topo.
func NewExperimentData(topo *topology.Topology, meta Meta) *ExperimentData {
	exp := &ExperimentData{
		RunID:           meta.RunID,
		Timestamp:       meta.Started.Format(time.RFC3339),
		NodeCount:       topo.Len(),
		UpdateRounds:    meta.Rounds,
		LatencyModel:    meta.LatencyModel,
		TopologyType:    topo.Name,
		EntryNode:       meta.EntryNode,
		RetryLimit:      meta.RetryLimit,
		PDrop:           meta.PDrop,
		PMalicious:      meta.PMalicious,
		FreshnessWindow: meta.FreshnessWindow.Seconds(),
		Nodes:           make(map[string]NodeData, topo.Len()),
		StartTime:       unixSeconds(meta.Started),
		AvgNodeDegree:   topo.AvgDegree(),
		GraphDiameter:   topo.Diameter(),
		NumIsolated:     topo.Isolated(),
		redundancy:      dataType.NewRedundancyCounter(16),
	}
	for _, e := range topo.Edges() {
		exp.Edges = append(exp.Edges, [2]int{e[0], e[1]})
	}
	for id := 0; id < topo.Len(); id++ {
		exp.Nodes[strconv.Itoa(id)] = NodeData{Neighbors: append([]int{}, topo.Neighbors(id)...)}
	}
	return exp
}

// AddRound appends one round's attempts and its receiver count.
func (exp *ExperimentData) AddRound(attempts []dataType.DeliveryAttempt, received int, duration time.Duration) {
	if exp.redundancy == nil {
		exp.redundancy = dataType.NewRedundancyCounter(16)
	}
	for _, a := range attempts {
		exp.Events = append(exp.Events, Event{
			Timestamp:         unixSeconds(a.Timestamp),
			Round:             a.Round,
			Sender:            a.Sender,
			Receiver:          a.Receiver,
			Latency:           a.LatencySeconds(),
			Outcome:           a.Outcome.String(),
			TokenValid:        a.Outcome == dataType.OutcomeAccepted,
			Retry:             a.Retry,
			PossiblyMalicious: a.Malicious,
			Version:           a.Version,
			Reason:            a.Reason,
		})
		exp.redundancy.Add(a.Receiver, a.Version)
	}
	exp.SuccessfulNodesPerRound = append(exp.SuccessfulNodesPerRound, received)
	exp.RoundDurations = append(exp.RoundDurations, duration.Seconds())
}

// MarkOriginRejected records a round whose origin token the entry node
// refused; no flood ran.
func (exp *ExperimentData) MarkOriginRejected(round int) {
	exp.OriginRejectedRounds = append(exp.OriginRejectedRounds, round)
}

func (exp *ExperimentData) MarkTruncated(round int) {
	exp.TruncatedRounds = append(exp.TruncatedRounds, round)
}

// AddNodeHistory copies every node's reception history into the record.
func (exp *ExperimentData) AddNodeHistory(nodes []*dataType.Node) {
	for _, n := range nodes {
		key := strconv.Itoa(n.ID)
		nd := exp.Nodes[key]
		nd.UpdateHistory = nd.UpdateHistory[:0]
		for _, rec := range n.History() {
			h := HistoryEntry{Round: rec.Round, Version: rec.Version, Received: rec.Received}
			if rec.Received {
				ttr := rec.TimeToReceive.Seconds()
				hops := rec.Hops
				h.TimeToReceive = &ttr
				h.Hops = &hops
			}
			nd.UpdateHistory = append(nd.UpdateHistory, h)
		}
		exp.Nodes[key] = nd
	}
}

// Finalize computes the aggregate fields.
func (exp *ExperimentData) Finalize(ended time.Time) {
	exp.EndTime = unixSeconds(ended)

	exp.AvgPropagationTime = mean(exp.RoundDurations)
	exp.MaxPropagationTime = maxOf(exp.RoundDurations)

	var ttr []float64
	for _, nd := range exp.Nodes {
		for _, h := range nd.UpdateHistory {
			if h.TimeToReceive != nil {
				ttr = append(ttr, *h.TimeToReceive)
			}
		}
	}
	exp.P95TimeToReceive = percentile(ttr, 95)

	if exp.NodeCount > 0 && len(exp.SuccessfulNodesPerRound) > 0 {
		ratios := make([]float64, len(exp.SuccessfulNodesPerRound))
		for i, r := range exp.SuccessfulNodesPerRound {
			ratios[i] = float64(r) / float64(exp.NodeCount)
		}
		exp.UnreachablePercent = 100 * (1 - mean(ratios))
	}

	var latencies, retries []float64
	dropped := 0
	exp.MaxRetries, exp.MaliciousTokens, exp.FailedTokenAttempts, exp.ExpiredTokens = 0, 0, 0, 0
	for _, e := range exp.Events {
		latencies = append(latencies, e.Latency)
		retries = append(retries, float64(e.Retry))
		if e.Retry > exp.MaxRetries {
			exp.MaxRetries = e.Retry
		}
		if e.Outcome == dataType.OutcomeDropped.String() {
			dropped++
		}
		if e.PossiblyMalicious {
			exp.MaliciousTokens++
		} else if !e.TokenValid {
			exp.FailedTokenAttempts++
		}
		if e.Reason == dataType.ReasonExpired {
			exp.ExpiredTokens++
		}
	}
	exp.AvgLinkLatency = mean(latencies)
	exp.AvgRetriesPerEvent = mean(retries)
	if len(exp.Events) > 0 {
		exp.PacketDropRate = float64(dropped) / float64(len(exp.Events))
	}
	if exp.redundancy != nil {
		exp.RedundantTransmissions = exp.redundancy.Redundant()
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m, err := stats.Mean(xs)
	if err != nil {
		return 0
	}
	return m
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m, err := stats.Max(xs)
	if err != nil {
		return 0
	}
	return m
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	v, err := stats.Percentile(xs, p)
	if err != nil {
		return 0
	}
	return v
}

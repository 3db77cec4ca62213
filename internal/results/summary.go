package results

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// SummaryRow is one line of the cross-experiment comparison table.
type SummaryRow struct {
	Config              string
	Nodes               int
	Edges               int
	AverageTime         float64
	MaxHops             int
	SuccessRate         float64
	AverageRetries      float64
	MaxPropagationTime  float64
	RedundantMessages   int
	MaliciousTokens     int
	FailedTokenAttempts int
	AverageDegree       float64
	Diameter            int
	IsolatedNodes       int
}

var summaryHeader = []string{
	"Nodes", "Edges", "Average Time (s)", "Max Hops", "Success Rate (%)", "Average Retries",
	"Max Propagation Time (s)", "Redundant Messages", "Malicious Tokens", "Failed Token Attempts",
	"Average Degree", "Diameter", "Isolated Nodes", "Config",
}

// Summarize builds one row per experiment, ordered by node count. Max hops
// looks at each node's latest round.
func Summarize(exps []*ExperimentData) []SummaryRow {
	rows := make([]SummaryRow, 0, len(exps))
	for _, exp := range exps {
		maxHops := 0
		for _, nd := range exp.Nodes {
			if len(nd.UpdateHistory) == 0 {
				continue
			}
			if h := nd.UpdateHistory[len(nd.UpdateHistory)-1].Hops; h != nil && *h > maxHops {
				maxHops = *h
			}
		}
		rows = append(rows, SummaryRow{
			Config:              strings.TrimPrefix(exp.TopologyType, "structured_"),
			Nodes:               exp.NodeCount,
			Edges:               len(exp.Edges),
			AverageTime:         round(exp.AvgPropagationTime, 2),
			MaxHops:             maxHops,
			SuccessRate:         math.Round(100 - exp.UnreachablePercent),
			AverageRetries:      round(exp.AvgRetriesPerEvent, 2),
			MaxPropagationTime:  round(exp.MaxPropagationTime, 3),
			RedundantMessages:   exp.RedundantTransmissions,
			MaliciousTokens:     exp.MaliciousTokens,
			FailedTokenAttempts: exp.FailedTokenAttempts,
			AverageDegree:       round(exp.AvgNodeDegree, 2),
			Diameter:            exp.GraphDiameter,
			IsolatedNodes:       exp.NumIsolated,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Nodes < rows[j].Nodes })
	return rows
}

func (r SummaryRow) record() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		strconv.Itoa(r.Nodes), strconv.Itoa(r.Edges), f(r.AverageTime), strconv.Itoa(r.MaxHops),
		f(r.SuccessRate), f(r.AverageRetries), f(r.MaxPropagationTime), strconv.Itoa(r.RedundantMessages),
		strconv.Itoa(r.MaliciousTokens), strconv.Itoa(r.FailedTokenAttempts), f(r.AverageDegree),
		strconv.Itoa(r.Diameter), strconv.Itoa(r.IsolatedNodes), r.Config,
	}
}

// WriteSummaryCSV writes rows with a header line to path.
func WriteSummaryCSV(path string, rows []SummaryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(summaryHeader); err != nil {
		_ = f.Close()
		return err
	}
	for _, r := range rows {
		if err := w.Write(r.record()); err != nil {
			_ = f.Close()
			return fmt.Errorf("write summary row %s: %w", r.Config, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

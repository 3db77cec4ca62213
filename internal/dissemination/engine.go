// Package dissemination floods an accepted update across a topology,
// authenticating every hop with the cluster broadcast tag.
package dissemination

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"satupdate/internal/auth"
	"satupdate/internal/dataType"
	"satupdate/internal/hashchain"
	"satupdate/internal/topology"
)

const DefaultMaxRetries = 3

var (
	ErrInvalidConfig    = errors.New("dissemination: invalid config")
	ErrTopologyMismatch = errors.New("dissemination: nodes do not match topology")
)

// Config is the engine's tuning surface.
type Config struct {
	MaxRetries int
	PDrop      float64
	PMalicious float64
	Latency    LatencyModel
	// MaxAttempts caps the attempts of one round. Zero means no cap.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		Latency:    DefaultLatency,
	}
}

func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.PDrop < 0 || c.PDrop > 1 {
		return fmt.Errorf("%w: p_drop %v", ErrInvalidConfig, c.PDrop)
	}
	if c.PMalicious < 0 || c.PMalicious > 1 {
		return fmt.Errorf("%w: p_malicious %v", ErrInvalidConfig, c.PMalicious)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts %d", ErrInvalidConfig, c.MaxAttempts)
	}
	return nil
}

// RoundReport is everything one flood produced.
type RoundReport struct {
	Round    int
	Version  string
	Start    time.Time
	Attempts []dataType.DeliveryAttempt
	// Received counts nodes holding the payload at the end of the round,
	// the entry node included.
	Received int
	// Duration is the simulated time of the last acceptance.
	Duration time.Duration
	// End is the simulated arrival time of the last attempt of any outcome.
	End       time.Duration
	Truncated bool
}

// Engine runs one flood at a time. It is not safe for concurrent use; the
// rng is owned by the engine.
type Engine struct {
	cfg    Config
	rng    *rand.Rand
	logger *zap.Logger
}

func NewEngine(cfg Config, rng *rand.Rand, logger *zap.Logger) (*Engine, error) {
	if cfg.Latency == nil {
		cfg.Latency = DefaultLatency
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, rng: rng, logger: logger}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

type flood struct {
	e       *Engine
	topo    *topology.Topology
	nodes   []*dataType.Node
	payload dataType.UpdatePayload
	msg     []byte
	digest  hashchain.Digest
	round   int
	start   time.Time
	arrival []time.Duration
	hops    []int
	report  *RoundReport
}

// Flood propagates payload from entry, which must already have accepted it
// from the origin, until no new node accepts it. Rejections, drops and
// exhausted retries are reported, not returned; only contract violations
// produce an error.
func (e *Engine) Flood(topo *topology.Topology, nodes []*dataType.Node, entry int, payload dataType.UpdatePayload, round int, start time.Time) (*RoundReport, error) {
	if len(nodes) != topo.Len() {
		return nil, fmt.Errorf("%w: %d nodes, topology has %d", ErrTopologyMismatch, len(nodes), topo.Len())
	}
	for i, n := range nodes {
		if n == nil || n.ID != i {
			return nil, fmt.Errorf("%w: slot %d", ErrTopologyMismatch, i)
		}
	}
	if entry < 0 || entry >= len(nodes) {
		return nil, fmt.Errorf("%w: entry %d", ErrTopologyMismatch, entry)
	}

	f := &flood{
		e:       e,
		topo:    topo,
		nodes:   nodes,
		payload: payload,
		msg:     payload.Bytes(),
		digest:  payload.Digest(),
		round:   round,
		start:   start,
		arrival: make([]time.Duration, len(nodes)),
		hops:    make([]int, len(nodes)),
		report:  &RoundReport{Round: round, Version: payload.Version, Start: start},
	}
	for _, n := range nodes {
		n.BeginRound(round, payload.Version)
	}

	nodes[entry].MarkSeen(f.digest)
	nodes[entry].Accept(round, 0, 0)
	f.report.Received = 1

	if err := f.run(entry); err != nil {
		return nil, err
	}

	e.logger.Info("round complete",
		zap.Int("round", round),
		zap.String("version", payload.Version),
		zap.Int("received", f.report.Received),
		zap.Int("nodes", len(nodes)),
		zap.Int("attempts", len(f.report.Attempts)),
		zap.Duration("duration", f.report.Duration),
		zap.Bool("truncated", f.report.Truncated),
	)
	return f.report, nil
}

func (f *flood) run(entry int) error {
	frontier := []int{entry}
	for len(frontier) > 0 {
		sort.Ints(frontier)
		var next []int
		for _, sender := range frontier {
			for _, nb := range f.topo.Neighbors(sender) {
				// dedup runs before any transmission or verification
				if f.nodes[nb].HasSeen(f.digest) {
					continue
				}
				accepted, err := f.deliver(sender, nb)
				if err != nil {
					return err
				}
				if f.report.Truncated {
					return nil
				}
				if accepted {
					next = append(next, nb)
				}
			}
		}
		frontier = next
	}
	return nil
}

// deliver runs up to MaxRetries attempts over one edge. Every retry reuses
// the sender's legitimate tag but draws fresh latency and fresh rolls.
func (f *flood) deliver(sender, receiver int) (bool, error) {
	e := f.e
	src, dst := f.nodes[sender], f.nodes[receiver]

	sendAt := f.arrival[sender]
	tok := src.Cluster.Issue(f.msg, receiver, f.start.Add(sendAt))

	for retry := 0; retry < e.cfg.MaxRetries; retry++ {
		if e.cfg.MaxAttempts > 0 && len(f.report.Attempts) >= e.cfg.MaxAttempts {
			f.report.Truncated = true
			return false, nil
		}

		latency := e.cfg.Latency.Sample(e.rng)
		arriveAt := sendAt + latency
		now := f.start.Add(arriveAt)

		attempt := dataType.DeliveryAttempt{
			Timestamp: now,
			Round:     f.round,
			Sender:    sender,
			Receiver:  receiver,
			Latency:   latency,
			Retry:     retry,
			Version:   f.payload.Version,
		}

		var verr error
		switch {
		case retry == 0 && e.roll(e.cfg.PMalicious):
			attempt.Malicious = true
			verr = dst.Cluster.Verify(f.msg, e.forge(tok), now)
		case e.roll(e.cfg.PDrop):
			attempt.Outcome = dataType.OutcomeDropped
		default:
			verr = dst.Cluster.Verify(f.msg, tok, now)
		}

		if attempt.Outcome != dataType.OutcomeDropped {
			switch {
			case verr == nil:
				attempt.Outcome = dataType.OutcomeAccepted
			case errors.Is(verr, auth.ErrExpired):
				attempt.Outcome = dataType.OutcomeRejected
				attempt.Reason = dataType.ReasonExpired
			case errors.Is(verr, auth.ErrVerificationFailure):
				attempt.Outcome = dataType.OutcomeRejected
				attempt.Reason = dataType.ReasonMismatch
				if attempt.Malicious {
					attempt.Reason = dataType.ReasonForged
				}
			default:
				return false, verr
			}
		}

		f.report.Attempts = append(f.report.Attempts, attempt)
		if arriveAt > f.report.End {
			f.report.End = arriveAt
		}

		if attempt.Outcome == dataType.OutcomeAccepted {
			return f.accept(sender, receiver, arriveAt, tok), nil
		}

		e.logger.Debug("broadcast not accepted",
			zap.Int("round", f.round),
			zap.Int("sender", sender),
			zap.Int("receiver", receiver),
			zap.Int("retry", retry),
			zap.Stringer("outcome", attempt.Outcome),
			zap.String("reason", attempt.Reason),
			zap.Bool("malicious", attempt.Malicious),
		)
		sendAt = arriveAt
	}
	return false, nil
}

// accept is the single point where a relay takes the payload; the seen set
// guarantees it happens at most once per node per payload.
func (f *flood) accept(sender, receiver int, at time.Duration, tok auth.BroadcastToken) bool {
	dst := f.nodes[receiver]
	if !dst.MarkSeen(f.digest) {
		return false
	}
	hops := f.hops[sender] + 1
	dst.Accept(f.round, at, hops)
	dst.Credentials.Adopt(hashchain.Hash(tok.Tag))

	f.arrival[receiver] = at
	f.hops[receiver] = hops
	f.report.Received++
	if at > f.report.Duration {
		f.report.Duration = at
	}
	return true
}

func (e *Engine) roll(p float64) bool {
	return p > 0 && e.rng.Float64() < p
}

// forge returns a token with a random tag, unrelated to the real HMAC.
func (e *Engine) forge(tok auth.BroadcastToken) auth.BroadcastToken {
	tag := make([]byte, len(tok.Tag))
	e.rng.Read(tag)
	forged := tok
	forged.Tag = tag
	return forged
}

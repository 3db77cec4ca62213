package config

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"satupdate/internal/auth"
	"satupdate/internal/dissemination"
	"satupdate/internal/topology"
	"satupdate/internal/utils"
)

const (
	TopologyRing       = "ring"
	TopologyStructured = "structured"
	TopologyRandom     = "random"
)

type MainConfig struct {
	LogPath         string         `yaml:"log_path"`
	Debug           bool           `yaml:"debug"`
	ResultsPath     string         `yaml:"results_path"`
	SQLitePath      string         `yaml:"sqlite_path"`
	SummaryPath     string         `yaml:"summary_path"`
	Seed            string         `yaml:"seed"`
	Rounds          int            `yaml:"rounds" validate:"gte=1"`
	ChainLength     int            `yaml:"chain_length" validate:"gte=0"`
	EntryNode       int            `yaml:"entry_node" validate:"gte=0"`
	MaxRetries      int            `yaml:"max_retries" validate:"gte=1"`
	PDrop           float64        `yaml:"p_drop" validate:"gte=0,lte=1"`
	PMalicious      float64        `yaml:"p_malicious" validate:"gte=0,lte=1"`
	FreshnessWindow time.Duration  `yaml:"freshness_window" validate:"gt=0"`
	Latency         string         `yaml:"latency" validate:"required"`
	MaxAttempts     int            `yaml:"max_attempts" validate:"gte=0"`
	Workers         int            `yaml:"workers" validate:"gte=1"`
	Topologies      []TopologySpec `yaml:"topologies" validate:"required,min=1,dive"`
}

// TopologySpec describes one graph to run the experiment over.
type TopologySpec struct {
	Type            string  `yaml:"type" validate:"oneof=ring structured random"`
	Nodes           int     `yaml:"nodes" validate:"gte=0"`
	Planes          int     `yaml:"planes" validate:"gte=0"`
	SatsPerPlane    int     `yaml:"sats_per_plane" validate:"gte=0"`
	EdgeProbability float64 `yaml:"edge_probability" validate:"gte=0,lte=1"`
	MaxTries        int     `yaml:"max_tries" validate:"gte=0"`
}

// Default is the configuration used when no file overrides it.
func Default() MainConfig {
	return MainConfig{
		LogPath:         "log",
		ResultsPath:     "results",
		SummaryPath:     "experiment_summary.csv",
		Rounds:          5,
		MaxRetries:      dissemination.DefaultMaxRetries,
		FreshnessWindow: auth.DefaultFreshnessWindow,
		Latency:         "normal:15ms:3ms",
		Workers:         4,
		Topologies: []TopologySpec{
			{Type: TopologyStructured, Planes: 6, SatsPerPlane: 8},
			{Type: TopologyStructured, Planes: 10, SatsPerPlane: 10},
			{Type: TopologyStructured, Planes: 12, SatsPerPlane: 12},
		},
	}
}

// LoadMainConfig reads <basePath>/config/satupdate.yml over the defaults.
// An empty basePath means the directory of the executable. When the file
// cannot be read the defaults are returned together with the error.
func LoadMainConfig(basePath string) (*MainConfig, error) {
	defaultCfg := Default()

	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "satupdate.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return &defaultCfg, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*MainConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("[ERROR] failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

func (c *MainConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("[ERROR] invalid config: %w", err)
	}
	if _, err := utils.ParseLatency(c.Latency); err != nil {
		return fmt.Errorf("[ERROR] invalid config: %w", err)
	}
	if c.ChainLength != 0 && c.ChainLength < c.Rounds+1 {
		return fmt.Errorf("[ERROR] invalid config: chain_length %d cannot serve %d rounds", c.ChainLength, c.Rounds)
	}
	for i, spec := range c.Topologies {
		if err := spec.validateSize(); err != nil {
			return fmt.Errorf("[ERROR] invalid config: topologies[%d]: %w", i, err)
		}
		if c.EntryNode >= spec.Size() {
			return fmt.Errorf("[ERROR] invalid config: entry_node %d outside topologies[%d] of %d nodes", c.EntryNode, i, spec.Size())
		}
	}
	return nil
}

// Engine returns the dissemination settings.
func (c *MainConfig) Engine() (dissemination.Config, error) {
	latency, err := utils.ParseLatency(c.Latency)
	if err != nil {
		return dissemination.Config{}, err
	}
	return dissemination.Config{
		MaxRetries:  c.MaxRetries,
		PDrop:       c.PDrop,
		PMalicious:  c.PMalicious,
		Latency:     latency,
		MaxAttempts: c.MaxAttempts,
	}, nil
}

// ChainLengthFor is the hash chain length for an experiment: explicit when
// configured, otherwise enough for every round plus slack.
func (c *MainConfig) ChainLengthFor(nodes int) int {
	if c.ChainLength > 0 {
		return c.ChainLength
	}
	return c.Rounds + nodes + 10
}

func (s TopologySpec) validateSize() error {
	switch s.Type {
	case TopologyStructured:
		if s.Planes < 1 || s.SatsPerPlane < 1 {
			return fmt.Errorf("structured topology needs planes and sats_per_plane")
		}
	default:
		if s.Nodes < 1 {
			return fmt.Errorf("%s topology needs nodes", s.Type)
		}
	}
	return nil
}

// Size is the node count the topology will have.
func (s TopologySpec) Size() int {
	if s.Type == TopologyStructured {
		return s.Planes * s.SatsPerPlane
	}
	return s.Nodes
}

// Build constructs the topology. rng is only used for random graphs.
func (s TopologySpec) Build(rng *rand.Rand) (*topology.Topology, error) {
	if err := s.validateSize(); err != nil {
		return nil, err
	}
	switch s.Type {
	case TopologyRing:
		return topology.Ring(s.Nodes)
	case TopologyStructured:
		return topology.Structured(s.Planes, s.SatsPerPlane)
	case TopologyRandom:
		tries := s.MaxTries
		if tries == 0 {
			tries = 100
		}
		return topology.RandomConnected(s.Nodes, s.EdgeProbability, rng, tries)
	}
	return nil, fmt.Errorf("unknown topology type %q", s.Type)
}

// Label names the experiment for logs and seeds before the graph exists.
func (s TopologySpec) Label() string {
	switch s.Type {
	case TopologyStructured:
		return fmt.Sprintf("structured_%dx%d", s.Planes, s.SatsPerPlane)
	case TopologyRandom:
		return fmt.Sprintf("random_%d_p%.2f", s.Nodes, s.EdgeProbability)
	}
	return fmt.Sprintf("%s_%d", s.Type, s.Nodes)
}

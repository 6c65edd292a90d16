package clustercfg

import (
	"fmt"
	"time"

	"github.com/arbha1erao/miniraft/utils"
)

// Config holds the timing knobs shared by every server, transport and the
// cluster harness.
type Config struct {
	ElectionTimeoutMin time.Duration `toml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `toml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
	// RPCTimeout bounds AppendEntries calls. It must exceed
	// ElectionTimeoutMin so a slowed peer still answers before the leader
	// gives up and sends it another heartbeat.
	RPCTimeout time.Duration `toml:"rpc_timeout"`

	// VoteTimeout bounds RequestVote calls. It must exceed
	// ElectionTimeoutMin so a peer slowed down by leader enforcement can
	// still answer the candidate.
	VoteTimeout time.Duration `toml:"vote_timeout"`

	// EnforceMargin is added to ElectionTimeoutMax for each wait of the
	// leader enforcement protocol.
	EnforceMargin time.Duration `toml:"enforce_margin"`

	LogLevel string `toml:"log_level"`
}

// Default returns the configuration used when none is given.
func Default() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         250 * time.Millisecond,
		VoteTimeout:        400 * time.Millisecond,
		EnforceMargin:      100 * time.Millisecond,
		LogLevel:           "info",
	}
}

// Load reads a TOML file on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := utils.LoadTOMLConfig(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load cluster config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the ordering between timeouts that leader election and
// leader enforcement depend on.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.ElectionTimeoutMin <= c.HeartbeatInterval {
		return fmt.Errorf("election_timeout_min (%s) must exceed heartbeat_interval (%s)", c.ElectionTimeoutMin, c.HeartbeatInterval)
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		return fmt.Errorf("election_timeout_max (%s) must exceed election_timeout_min (%s)", c.ElectionTimeoutMax, c.ElectionTimeoutMin)
	}
	if c.RPCTimeout <= c.ElectionTimeoutMin {
		return fmt.Errorf("rpc_timeout (%s) must exceed election_timeout_min (%s)", c.RPCTimeout, c.ElectionTimeoutMin)
	}
	if c.VoteTimeout <= c.ElectionTimeoutMin {
		return fmt.Errorf("vote_timeout (%s) must exceed election_timeout_min (%s)", c.VoteTimeout, c.ElectionTimeoutMin)
	}
	if c.EnforceMargin <= 0 {
		return fmt.Errorf("enforce_margin must be positive, got %s", c.EnforceMargin)
	}
	return nil
}

// EnforceWait is how long each blocking step of leader enforcement lasts.
func (c Config) EnforceWait() time.Duration {
	return c.ElectionTimeoutMax + c.EnforceMargin
}

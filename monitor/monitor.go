package monitor

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settlement/settlement"
)

var ErrUnknownChain = errors.New("chain not configured")

type TokenEntry struct {
	Address  string `json:"address" yaml:"address" toml:"address"`
	Decimals int32  `json:"decimals" yaml:"decimals" toml:"decimals"`
}

type ChainEntry struct {
	ChainID uint64 `json:"chain_id" yaml:"chain_id" toml:"chain_id"`
	RpcUrl  string `json:"rpc_url,omitempty" yaml:"rpc_url,omitempty" toml:"rpc_url,omitempty"`
	// RpcUrlEnv names an environment variable that overrides RpcUrl.
	RpcUrlEnv     string                `json:"rpc_url_env,omitempty" yaml:"rpc_url_env,omitempty" toml:"rpc_url_env,omitempty"`
	InputSettler  string                `json:"input_settler,omitempty" yaml:"input_settler,omitempty" toml:"input_settler,omitempty"`
	OutputSettler string                `json:"output_settler,omitempty" yaml:"output_settler,omitempty" toml:"output_settler,omitempty"`
	Oracle        string                `json:"oracle,omitempty" yaml:"oracle,omitempty" toml:"oracle,omitempty"`
	Tokens        map[string]TokenEntry `json:"tokens,omitempty" yaml:"tokens,omitempty" toml:"tokens,omitempty"`
}

type SettlementConfig struct {
	OpenMode         string `json:"open_mode,omitempty" yaml:"open_mode,omitempty" toml:"open_mode,omitempty"`
	RelayGasLimit    uint64 `json:"relay_gas_limit,omitempty" yaml:"relay_gas_limit,omitempty" toml:"relay_gas_limit,omitempty"`
	FallbackFeeWei   string `json:"fallback_fee_wei,omitempty" yaml:"fallback_fee_wei,omitempty" toml:"fallback_fee_wei,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	PollAttempts     int    `json:"poll_attempts,omitempty" yaml:"poll_attempts,omitempty" toml:"poll_attempts,omitempty"`
	ApproveUnlimited bool   `json:"approve_unlimited,omitempty" yaml:"approve_unlimited,omitempty" toml:"approve_unlimited,omitempty"`
}

// SignerConfig says where the key comes from, never the key itself.
type SignerConfig struct {
	KeyEnv string `json:"key_env,omitempty" yaml:"key_env,omitempty" toml:"key_env,omitempty"`
	Dotenv string `json:"dotenv,omitempty" yaml:"dotenv,omitempty" toml:"dotenv,omitempty"`
}

type Config struct {
	Chains     map[string]ChainEntry `json:"chains" yaml:"chains" toml:"chains"`
	Settlement SettlementConfig      `json:"settlement" yaml:"settlement" toml:"settlement"`
	Signer     SignerConfig          `json:"signer" yaml:"signer" toml:"signer"`
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	for name, c := range cfg.Chains {
		if c.ChainID == 0 {
			return nil, fmt.Errorf("chain %s: chain_id is required", name)
		}
	}
	return cfg, nil
}

func LoadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(file)
}

func MustLoadConfig(path string) *Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Chain(name string) (ChainEntry, error) {
	entry, ok := c.Chains[name]
	if !ok {
		return ChainEntry{}, fmt.Errorf("%w: %s", ErrUnknownChain, name)
	}
	return entry, nil
}

// Network maps a chain id back to its configured name.
func (c *Config) Network(chainID string) string {
	for name, entry := range c.Chains {
		if strconv.FormatUint(entry.ChainID, 10) == chainID {
			return name
		}
	}
	return chainID
}

// Route resolves the contract set for orders from origin to destination.
// Missing addresses surface from Route.Validate as missing configuration.
func (c *Config) Route(origin, destination string) (settlement.Route, error) {
	from, err := c.Chain(origin)
	if err != nil {
		return settlement.Route{}, err
	}
	to, err := c.Chain(destination)
	if err != nil {
		return settlement.Route{}, err
	}

	route := settlement.Route{
		OriginChainID:      new(big.Int).SetUint64(from.ChainID),
		DestinationChainID: new(big.Int).SetUint64(to.ChainID),
	}
	for _, a := range []struct {
		field string
		value string
		dst   *common.Address
	}{
		{origin + ".input_settler", from.InputSettler, &route.InputSettler},
		{origin + ".oracle", from.Oracle, &route.OriginOracle},
		{destination + ".output_settler", to.OutputSettler, &route.OutputSettler},
		{destination + ".oracle", to.Oracle, &route.DestinationOracle},
	} {
		if a.value == "" {
			continue
		}
		if !common.IsHexAddress(a.value) {
			return settlement.Route{}, fmt.Errorf("%w: %s is not an address", settlement.ErrMissingConfiguration, a.field)
		}
		*a.dst = common.HexToAddress(a.value)
	}
	return route, route.Validate()
}

// RPC returns the node endpoint, preferring the environment override.
func (e ChainEntry) RPC() string {
	if e.RpcUrlEnv != "" {
		if v := os.Getenv(e.RpcUrlEnv); v != "" {
			return v
		}
	}
	return e.RpcUrl
}

func (e ChainEntry) ID() *big.Int {
	return new(big.Int).SetUint64(e.ChainID)
}

// Token looks a token up by symbol, or by address when ref is one.
func (e ChainEntry) Token(ref string) (common.Address, TokenEntry, error) {
	if t, ok := e.Tokens[ref]; ok {
		if !common.IsHexAddress(t.Address) {
			return common.Address{}, TokenEntry{}, fmt.Errorf("token %s: invalid address %q", ref, t.Address)
		}
		return common.HexToAddress(t.Address), t, nil
	}
	if common.IsHexAddress(ref) {
		addr := common.HexToAddress(ref)
		for _, t := range e.Tokens {
			if common.HexToAddress(t.Address) == addr {
				return addr, t, nil
			}
		}
		return addr, TokenEntry{Address: addr.Hex(), Decimals: -1}, nil
	}
	return common.Address{}, TokenEntry{}, fmt.Errorf("token %s not configured", ref)
}

func (s SettlementConfig) Mode() (settlement.OpenMode, error) {
	return settlement.ParseOpenMode(s.OpenMode)
}

func (s SettlementConfig) FallbackFee() (*big.Int, error) {
	if s.FallbackFeeWei == "" {
		return new(big.Int).Set(settlement.DefaultFallbackFee), nil
	}
	fee, ok := new(big.Int).SetString(s.FallbackFeeWei, 10)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("%w: fallback_fee_wei %q", settlement.ErrMissingConfiguration, s.FallbackFeeWei)
	}
	return fee, nil
}

func (s SettlementConfig) Interval() (time.Duration, error) {
	if s.PollInterval == "" {
		return settlement.DefaultPollInterval, nil
	}
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: poll_interval %q", settlement.ErrMissingConfiguration, s.PollInterval)
	}
	return d, nil
}

// ConfigureRelay applies the relay settings to r.
func (s SettlementConfig) ConfigureRelay(r *settlement.Relay) error {
	fee, err := s.FallbackFee()
	if err != nil {
		return err
	}
	r.FallbackFee = fee
	if s.RelayGasLimit > 0 {
		r.GasLimit = new(big.Int).SetUint64(s.RelayGasLimit)
	}
	return nil
}

func (s SettlementConfig) ConfigurePoller(p *settlement.Poller) error {
	interval, err := s.Interval()
	if err != nil {
		return err
	}
	p.Interval = interval
	if s.PollAttempts > 0 {
		p.MaxAttempts = s.PollAttempts
	}
	return nil
}

// Monitor is the operator view of settlement progress. It journals pipeline
// transitions into sqlite and refreshes on-chain order status.
type Monitor struct {
	db     *sql.DB
	cfg    *Config
	logger *zerolog.Logger
	runID  string
}

func NewMonitor(db *sql.DB, cfg *Config, logger *zerolog.Logger) (*Monitor, error) {
	if err := InitDB(db); err != nil {
		return nil, err
	}
	return &Monitor{
		db:     db,
		cfg:    cfg,
		logger: logger,
		runID:  uuid.NewString(),
	}, nil
}

// RunID identifies this process in the event history.
func (m *Monitor) RunID() string {
	return m.runID
}

func (m *Monitor) Config() *Config {
	return m.cfg
}

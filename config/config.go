package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so values can be written as "45s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// ChainConfig identifies the Etherlink endpoint serving as the ledger of
// record.
type ChainConfig struct {
	RPCURL          string  `toml:"RPCURL"`
	ChainID         int64   `toml:"ChainID"`
	RPCToken        string  `toml:"RPCToken"`
	RateLimitPerSec float64 `toml:"RateLimitPerSec"`
	RateBurst       int     `toml:"RateBurst"`
}

// ContractConfig locates the deployed lending contract. The address keeps
// the deployment placeholder "0x..." until the contract is live; submissions
// fail fast while it does.
type ContractConfig struct {
	Address   string `toml:"Address"`
	LoanAsset string `toml:"LoanAsset"`
}

// AssetConfig declares one collateral or loan asset.
type AssetConfig struct {
	Symbol   string `toml:"Symbol"`
	Name     string `toml:"Name"`
	Address  string `toml:"Address"`
	Decimals uint8  `toml:"Decimals"`
	Native   bool   `toml:"Native"`
}

// SubmitterConfig tunes broadcast retries and the confirmation ceiling.
type SubmitterConfig struct {
	ConfirmTimeout Duration `toml:"ConfirmTimeout"`
	PollInterval   Duration `toml:"PollInterval"`
	MaxAttempts    int      `toml:"MaxAttempts"`
	GasLimit       uint64   `toml:"GasLimit"`
}

// StoreConfig tunes the reconciliation loop.
type StoreConfig struct {
	RefreshInterval Duration `toml:"RefreshInterval"`
	FailedRetention Duration `toml:"FailedRetention"`
}

// GatewayConfig shapes the UI-facing HTTP listener.
type GatewayConfig struct {
	Listen       string   `toml:"Listen"`
	ReadTimeout  Duration `toml:"ReadTimeout"`
	WriteTimeout Duration `toml:"WriteTimeout"`
	AuthEnabled  bool     `toml:"AuthEnabled"`
	AuthSecret   string   `toml:"AuthSecret"`
	AuthIssuer   string   `toml:"AuthIssuer"`
	AuthAudience string   `toml:"AuthAudience"`
	// RatePerMinute caps mutating requests per client; zero disables the
	// limiter.
	RatePerMinute float64 `toml:"RatePerMinute"`
	RateBurst     int     `toml:"RateBurst"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// Config is the full elinklendd runtime configuration. It is passed
// explicitly to each component so tests can host several environments in
// one process without process-wide mutable state.
type Config struct {
	Chain     ChainConfig     `toml:"Chain"`
	Contract  ContractConfig  `toml:"Contract"`
	Assets    []AssetConfig   `toml:"Asset"`
	Submitter SubmitterConfig `toml:"Submitter"`
	Store     StoreConfig     `toml:"Store"`
	Gateway   GatewayConfig   `toml:"Gateway"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
}

const (
	defaultRPCURL          = "https://node.ghostnet.etherlink.com"
	defaultChainID         = 128123
	defaultRateLimitPerSec = 10
	defaultRateBurst       = 20
	defaultConfirmTimeout  = 90 * time.Second
	defaultPollInterval    = 3 * time.Second
	defaultMaxAttempts     = 3
	defaultGasLimit        = 500_000
	defaultRefreshInterval = 5 * time.Second
	defaultFailedRetention = 5 * time.Minute
	defaultListen          = "0.0.0.0:8089"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultRatePerMinute   = 120
	defaultGatewayBurst    = 20
)

// Default returns the baseline configuration targeting the Etherlink
// testnet with the contract address still unset.
func Default() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:          defaultRPCURL,
			ChainID:         defaultChainID,
			RateLimitPerSec: defaultRateLimitPerSec,
			RateBurst:       defaultRateBurst,
		},
		Contract: ContractConfig{
			Address:   "0x...",
			LoanAsset: "USDC",
		},
		Assets: []AssetConfig{
			{Symbol: "USDC", Name: "USD Coin", Decimals: 6},
			{Symbol: "ETH", Name: "Ethereum", Decimals: 18, Native: true},
			{Symbol: "WBTC", Name: "Wrapped Bitcoin", Decimals: 8},
		},
		Submitter: SubmitterConfig{
			ConfirmTimeout: Duration{defaultConfirmTimeout},
			PollInterval:   Duration{defaultPollInterval},
			MaxAttempts:    defaultMaxAttempts,
			GasLimit:       defaultGasLimit,
		},
		Store: StoreConfig{
			RefreshInterval: Duration{defaultRefreshInterval},
			FailedRetention: Duration{defaultFailedRetention},
		},
		Gateway: GatewayConfig{
			Listen:        defaultListen,
			ReadTimeout:   Duration{defaultReadTimeout},
			WriteTimeout:  Duration{defaultWriteTimeout},
			RatePerMinute: defaultRatePerMinute,
			RateBurst:     defaultGatewayBurst,
		},
	}
}

// Load reads the configuration file at path over the defaults and validates
// the result. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

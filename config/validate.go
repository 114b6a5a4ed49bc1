package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks field ranges and cross-field consistency. The contract
// address placeholder is allowed here; submission-time checks reject it so
// the daemon can still serve reads before deployment.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("config: Chain.RPCURL is required")
	}
	parsed, err := url.Parse(c.Chain.RPCURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: Chain.RPCURL %q is not a valid URL", c.Chain.RPCURL)
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("config: Chain.ChainID must be positive, got %d", c.Chain.ChainID)
	}
	if c.Chain.RateLimitPerSec < 0 {
		return fmt.Errorf("config: Chain.RateLimitPerSec must not be negative")
	}
	if c.Chain.RateBurst < 0 {
		return fmt.Errorf("config: Chain.RateBurst must not be negative")
	}
	if strings.TrimSpace(c.Contract.LoanAsset) == "" {
		return fmt.Errorf("config: Contract.LoanAsset is required")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("config: at least one [[Asset]] is required")
	}
	seen := make(map[string]bool, len(c.Assets))
	loanAssetFound := false
	for i, asset := range c.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			return fmt.Errorf("config: Asset[%d].Symbol is required", i)
		}
		if seen[symbol] {
			return fmt.Errorf("config: duplicate asset symbol %q", symbol)
		}
		seen[symbol] = true
		if symbol == strings.ToUpper(strings.TrimSpace(c.Contract.LoanAsset)) {
			loanAssetFound = true
		}
	}
	if !loanAssetFound {
		return fmt.Errorf("config: Contract.LoanAsset %q has no [[Asset]] entry", c.Contract.LoanAsset)
	}
	if c.Submitter.ConfirmTimeout.Duration <= 0 {
		return fmt.Errorf("config: Submitter.ConfirmTimeout must be positive")
	}
	if c.Submitter.PollInterval.Duration <= 0 {
		return fmt.Errorf("config: Submitter.PollInterval must be positive")
	}
	if c.Submitter.PollInterval.Duration >= c.Submitter.ConfirmTimeout.Duration {
		return fmt.Errorf("config: Submitter.PollInterval must be below ConfirmTimeout")
	}
	if c.Submitter.MaxAttempts <= 0 {
		return fmt.Errorf("config: Submitter.MaxAttempts must be positive")
	}
	if c.Submitter.GasLimit == 0 {
		return fmt.Errorf("config: Submitter.GasLimit must be positive")
	}
	if c.Store.RefreshInterval.Duration <= 0 {
		return fmt.Errorf("config: Store.RefreshInterval must be positive")
	}
	if c.Store.FailedRetention.Duration <= 0 {
		return fmt.Errorf("config: Store.FailedRetention must be positive")
	}
	if strings.TrimSpace(c.Gateway.Listen) == "" {
		return fmt.Errorf("config: Gateway.Listen is required")
	}
	if c.Gateway.AuthEnabled && strings.TrimSpace(c.Gateway.AuthSecret) == "" {
		return fmt.Errorf("config: Gateway.AuthSecret is required when auth is enabled")
	}
	if c.Gateway.RatePerMinute < 0 {
		return fmt.Errorf("config: Gateway.RatePerMinute must not be negative")
	}
	if c.Gateway.RateBurst < 0 {
		return fmt.Errorf("config: Gateway.RateBurst must not be negative")
	}
	return nil
}
